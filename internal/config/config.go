package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is read from the environment once at startup.
type Config struct {
	StateTable       string `validate:"required"`
	OrdersTable      string `validate:"required"`
	OrdersPhoneIndex string `validate:"required"`
	JobQueueURL      string `validate:"required,url"`
	ParamPrefix      string `validate:"required,startswith=/"`

	WhatsAppAPIURL        string `validate:"required,url"`
	WhatsAppPhoneNumberID string `validate:"required"`

	AgentEngineProject  string `validate:"required"`
	AgentEngineLocation string `validate:"required"`
	AgentEngineID       string `validate:"required"`

	MaxAttempts            int           `validate:"min=1,max=20"`
	ConversationInactivity time.Duration `validate:"gt=0"`
	WebhookLogTTL          time.Duration `validate:"gt=0"`
}

// WhatsAppTokenParam is the SSM name of the channel access token.
func (c Config) WhatsAppTokenParam() string {
	return strings.TrimRight(c.ParamPrefix, "/") + "/whatsapp-token"
}

// VerifyTokenParam is the SSM name of the webhook verification token.
func (c Config) VerifyTokenParam() string {
	return strings.TrimRight(c.ParamPrefix, "/") + "/webhook-verify-token"
}

// Load reads the configuration through getenv. Pass os.Getenv in production.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Config{
		StateTable:             getenv("STATE_TABLE"),
		OrdersTable:            getenv("ORDERS_TABLE"),
		OrdersPhoneIndex:       envString(getenv, "ORDERS_PHONE_INDEX", "phoneNumber-index"),
		JobQueueURL:            getenv("JOB_QUEUE_URL"),
		ParamPrefix:            getenv("PARAM_PREFIX"),
		WhatsAppAPIURL:         envString(getenv, "WHATSAPP_API_URL", "https://graph.facebook.com/v21.0"),
		WhatsAppPhoneNumberID:  getenv("WHATSAPP_PHONE_NUMBER_ID"),
		AgentEngineProject:     getenv("AGENT_ENGINE_PROJECT"),
		AgentEngineLocation:    envString(getenv, "AGENT_ENGINE_LOCATION", "us-central1"),
		AgentEngineID:          getenv("AGENT_ENGINE_ID"),
		MaxAttempts:            envInt(getenv, "MAX_ATTEMPTS", 3),
		ConversationInactivity: time.Duration(envInt(getenv, "CONVERSATION_INACTIVITY_HOURS", 48)) * time.Hour,
		WebhookLogTTL:          time.Duration(envInt(getenv, "WEBHOOK_LOG_TTL_DAYS", 30)) * 24 * time.Hour,
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func envString(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
