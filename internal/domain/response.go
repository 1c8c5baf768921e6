package domain

import "time"

// ResponseSourceAgentEngine tags replies produced by the hosted agent backend.
const ResponseSourceAgentEngine = "agent-engine"

// AgentResponse is the append-only audit record written once per completed job.
type AgentResponse struct {
	JobID        string
	TraceID      string
	SenderID     string
	Question     string
	ResponseText string
	Source       string
	Offensive    bool
	Abandoned    bool
	CreatedAt    time.Time
}
