package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"agent-relay/handler"
	"agent-relay/internal/config"
	"agent-relay/internal/integrations/paramstore"
	"agent-relay/internal/integrations/queue"
	"agent-relay/internal/integrations/whatsapp"
	"agent-relay/internal/repository"
	"agent-relay/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "webhook")
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
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
	state, err := repository.New(dynamoClient, cfg.StateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}
	orders, err := repository.NewOrders(dynamoClient, cfg.OrdersTable, cfg.OrdersPhoneIndex)
	if err != nil {
		fatal("failed to create orders client", err)
	}
	dispatcher, err := queue.New(awssqs.NewFromConfig(awsCfg), cfg.JobQueueURL)
	if err != nil {
		fatal("failed to create dispatcher", err)
	}
	sender, err := whatsapp.NewClient(params, cfg.WhatsAppAPIURL, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppTokenParam())
	if err != nil {
		fatal("failed to create WhatsApp client", err)
	}

	// ---- Use cases ----
	gate, err := usecase.NewAccessGate(orders)
	if err != nil {
		fatal("failed to create access gate", err)
	}
	conversations, err := usecase.NewConversationStore(state, cfg.WhatsAppPhoneNumberID, cfg.ConversationInactivity, logger)
	if err != nil {
		fatal("failed to create conversation store", err)
	}
	jobs, err := usecase.NewJobStore(state, cfg.MaxAttempts)
	if err != nil {
		fatal("failed to create job store", err)
	}
	ingest, err := usecase.NewIngestService(usecase.IngestDeps{
		Gate:          gate,
		Conversations: conversations,
		Jobs:          jobs,
		Dispatcher:    dispatcher,
		Sender:        sender,
		WebhookLogs:   state,
		Logger:        logger,
		LogTTL:        cfg.WebhookLogTTL,
	})
	if err != nil {
		fatal("failed to create ingest service", err)
	}

	// ---- Handler ----
	h, err := handler.NewWebhookHandler(handler.WebhookDeps{
		Ingester:         ingest,
		Tokens:           params,
		VerifyTokenParam: cfg.VerifyTokenParam(),
		Store:            state,
		Broker:           dispatcher,
		Logger:           logger,
	})
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
