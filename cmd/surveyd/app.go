package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"voice-survey-agent/internal/audit"
	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/config"
	"voice-survey-agent/internal/dialogue"
	"voice-survey-agent/internal/events"
	"voice-survey-agent/internal/ledger"
	"voice-survey-agent/internal/reporting"
	"voice-survey-agent/internal/scheduler"
	"voice-survey-agent/internal/survey"
	"voice-survey-agent/internal/telephony"
	"voice-survey-agent/internal/webhook"
	"voice-survey-agent/pkg/utils"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// app holds every long-lived component of a surveyd process.
type app struct {
	cfg config.Config
	log *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	store     ledger.Store
	gateway   telephony.Gateway
	callbacks telephony.Callbacks
	audit     *audit.Service
	relay     *events.Relay
	machine   *dialogue.Machine
	processor *webhook.Processor
	scheduler *scheduler.Scheduler
	reporting *reporting.Service
}

// openBackends connects to Postgres and Redis. Dry runs use neither.
func openBackends(ctx context.Context, cfg config.Config) (*sql.DB, *redis.Client, error) {
	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, rdb, nil
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		log:       log,
		callbacks: telephony.Callbacks{BaseURL: cfg.App.PublicBaseURL},
	}

	var (
		sessions  dialogue.SessionStore
		publisher events.Publisher
		lease     scheduler.Lease
	)
	holder := instanceID()

	if cfg.App.DryRun {
		a.store = ledger.NewMemoryStore()
		a.audit = audit.NewService(audit.NewMemoryRepo(), log)
		sessions = dialogue.NewMemorySessionStore()
		publisher = events.NewMemoryPublisher()
		lease = scheduler.NewMemoryLeaseBackend(nil).Lease(cfg.Scheduler.LeaseKey, holder, scheduler.LeaseTTL(cfg.Scheduler.Interval))
	} else {
		db, rdb, err := openBackends(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.db, a.rdb = db, rdb
		a.store = ledger.NewPostgresStore(db)
		a.audit = audit.NewService(audit.NewPostgresRepo(db), log)
		sessions = dialogue.NewRedisSessionStore(rdb, cfg.Dialogue.SessionTTL)
		pub, err := events.NewRedisStreamPublisher(rdb, cfg.Events.Stream, cfg.Events.StreamMaxLen)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = pub
		lease = scheduler.NewRedisLease(rdb, cfg.Scheduler.LeaseKey, holder, scheduler.LeaseTTL(cfg.Scheduler.Interval))
	}

	switch cfg.Twilio.Provider {
	case config.ProviderTwilio:
		a.gateway = telephony.NewTwilioGateway(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.CallTimeout, log)
	default:
		a.gateway = telephony.NewFakeGateway()
	}

	var engine dialogue.ConversationEngine = dialogue.KeywordEngine{}
	if cfg.UseOpenAI() {
		engine = dialogue.NewOpenAIEngine(cfg.OpenAI.APIKey, cfg.OpenAI.Model, log)
	} else {
		log.Warn("OPENAI_API_KEY not set, using keyword engine")
	}

	a.relay = events.NewRelay(a.store, publisher, cfg.Events.PollInterval, log,
		events.WithClaimLimit(cfg.Events.BatchSize))
	finalizer := survey.NewFinalizer(a.store, a.relay, log)
	a.machine = dialogue.NewMachine(sessions, engine, finalizer, a.gateway, a.store, dialogue.Config{
		EngineTimeout: cfg.Dialogue.EngineTimeout,
		RefusalGrace:  cfg.Dialogue.RefusalGrace,
	}, log, dialogue.WithAuditor(a.audit))
	a.processor = webhook.NewProcessor(a.store, a.machine, a.audit, log)
	a.scheduler = scheduler.New(a.store, a.gateway, lease, a.callbacks, scheduler.Config{
		Interval:            cfg.Scheduler.Interval,
		BatchSize:           cfg.Scheduler.BatchSize,
		MaxConcurrentCalls:  cfg.Scheduler.MaxConcurrentCalls,
		StaleAfter:          cfg.Scheduler.StaleAfter,
		DispatchConcurrency: cfg.Scheduler.DispatchConcurrency,
		DefaultCallerID:     cfg.Twilio.CallerID,
	}, log, scheduler.WithAuditor(a.audit))
	a.reporting = reporting.NewService(a.store)

	log.Info("components ready",
		"dry_run", cfg.App.DryRun,
		"telephony", a.gateway.Name(),
		"engine", fmt.Sprintf("%T", engine),
		"holder", holder,
	)
	return a, nil
}

// seed loads dry-run fixtures into the in-memory ledger.
func (a *app) seed(path string, now time.Time) error {
	mem, ok := a.store.(*ledger.MemoryStore)
	if !ok {
		return errors.New("seed files are only supported with --dry-run")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	fixtures, err := campaigns.DecodeFixtures(f, now)
	if err != nil {
		return err
	}
	contacts := 0
	for _, fx := range fixtures {
		mem.PutCampaign(fx.Campaign)
		for _, phone := range fx.Contacts {
			mem.PutContact(calls.Contact{
				ID:          uuid.NewString(),
				CampaignID:  fx.Campaign.ID,
				PhoneNumber: phone,
				State:       calls.ContactPending,
				CreatedAt:   now,
			})
			contacts++
		}
	}
	a.log.Info("seeded dry run", "campaigns", len(fixtures), "contacts", contacts)
	return nil
}

func (a *app) Close() {
	if a.machine != nil {
		a.machine.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis close failed", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("postgres close failed", "err", err)
		}
	}
}

// instanceID names this process in the scheduler lease.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "surveyd"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
