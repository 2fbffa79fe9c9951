package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"mentorflow/config"
	"mentorflow/db"
	"mentorflow/eventlog"
	"mentorflow/joboffer"
	"mentorflow/referral"
	"mentorflow/session"
	"mentorflow/settlement"
	"mentorflow/signal"
)

func main() {
	ctx := context.Background()

	// Local development convenience; absent .env is not an error.
	_ = godotenv.Load()

	cfg := config.Load()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	timeline := eventlog.NewTimeline()
	outbox := eventlog.NewOutbox()

	processor := settlement.NewHTTPProcessor(cfg.PayoutAPIURL, cfg.PayoutAPIKey, cfg.PayoutTimeout)
	orchestrator := settlement.NewOrchestrator(pool, settlement.NewRepository(), processor).
		WithTimelineAndOutbox(timeline, outbox).
		WithTimeout(cfg.PayoutTimeout)

	sessionRepo := session.NewRepository(pool)
	sessionService := session.NewService(pool, sessionRepo, orchestrator).
		WithTimelineAndOutbox(timeline, outbox)

	referralRepo := referral.NewRepository(pool)
	referralService := referral.NewService(pool, referralRepo, orchestrator).
		WithTimelineAndOutbox(timeline, outbox)

	offerRepo := joboffer.NewRepository(pool)
	offerService := joboffer.NewService(pool, offerRepo, sessionRepo, orchestrator).
		WithTimelineAndOutbox(timeline, outbox)

	adapter := signal.NewAdapter(cfg.WebhookSecret)
	dispatcher := signal.NewDispatcher(adapter, sessionService, referralService)

	log.Printf("settlement engine ready: sessions=%t referrals=%t offers=%t signals=%t",
		sessionService != nil, referralService != nil, offerService != nil, dispatcher != nil)
}
