package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/oauth2/google"

	"agent-relay/handler"
	"agent-relay/internal/config"
	"agent-relay/internal/integrations/agentengine"
	"agent-relay/internal/integrations/paramstore"
	"agent-relay/internal/integrations/whatsapp"
	"agent-relay/internal/repository"
	"agent-relay/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "worker")
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fatal("invalid configuration", err)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	state, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}
	sender, err := whatsapp.NewClient(params, cfg.WhatsAppAPIURL, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppTokenParam())
	if err != nil {
		fatal("failed to create WhatsApp client", err)
	}
	tokens, err := google.DefaultTokenSource(ctx, agentengine.CloudPlatformScope)
	if err != nil {
		fatal("failed to load Google credentials", err)
	}
	agent, err := agentengine.NewClient(tokens, cfg.AgentEngineProject, cfg.AgentEngineLocation, cfg.AgentEngineID)
	if err != nil {
		fatal("failed to create agent engine client", err)
	}

	// ---- Use cases ----
	conversations, err := usecase.NewConversationStore(state, cfg.WhatsAppPhoneNumberID, cfg.ConversationInactivity, logger)
	if err != nil {
		fatal("failed to create conversation store", err)
	}
	jobs, err := usecase.NewJobStore(state, cfg.MaxAttempts)
	if err != nil {
		fatal("failed to create job store", err)
	}
	worker, err := usecase.NewWorker(usecase.WorkerDeps{
		Jobs:          jobs,
		Conversations: conversations,
		Agent:         agent,
		Sender:        sender,
		Responses:     state,
		Logger:        logger,
	})
	if err != nil {
		fatal("failed to create worker", err)
	}

	// ---- Handler ----
	h, err := handler.NewQueueHandler(worker, logger)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
