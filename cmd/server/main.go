package main

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/contest-hub/contest-hub/internal/api/http"
	"github.com/contest-hub/contest-hub/internal/application/inbound"
	appOutbox "github.com/contest-hub/contest-hub/internal/application/outbox"
	"github.com/contest-hub/contest-hub/internal/application/postpone"
	"github.com/contest-hub/contest-hub/internal/application/premoderation"
	"github.com/contest-hub/contest-hub/internal/application/scheduler"
	"github.com/contest-hub/contest-hub/internal/application/voting"
	"github.com/contest-hub/contest-hub/internal/application/workflow"
	"github.com/contest-hub/contest-hub/internal/config"
	"github.com/contest-hub/contest-hub/internal/dialog"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/eventbus"
	"github.com/contest-hub/contest-hub/internal/infrastructure/botapi"
	"github.com/contest-hub/contest-hub/internal/infrastructure/postgres"
	"github.com/contest-hub/contest-hub/internal/infrastructure/sse"
	"github.com/contest-hub/contest-hub/internal/migrations"
	"github.com/contest-hub/contest-hub/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg)
	cc := cfg.Contest

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsHandler, err := observability.InitMeterProvider(ctx, "contest-hub")
	if err != nil {
		logger.Fatal().Err(err).Msg("metrics init failed")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db error")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
		logger.Fatal().Err(err).Msg("migration error")
	}

	// repositories
	stateRepo := postgres.NewStateRepository(pool)
	userRepo := postgres.NewUserRepository(pool)
	votableRepo := postgres.NewVotableRepository(pool)
	postponeRepo := postgres.NewPostponeRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)

	// infrastructure
	client := botapi.NewClient(cfg.BotAPIURL, cfg.BotToken, cfg.BotRatePerSecond, logger)
	clock := contest.SystemClock{}
	bus := eventbus.New(logger)
	sseHub := sse.NewHub(logger)
	recorder := appOutbox.NewRecorder(outboxRepo, logger)
	dialogs := dialog.NewManager(client, clock, dialog.Config{Capacity: cc.DialogCapacity, IdleTimeout: cc.DialogIdleTimeout}, logger)

	if err := observability.InitMetrics(ctx, dialogs.ActiveCount); err != nil {
		logger.Fatal().Err(err).Msg("metrics init failed")
	}
	if err := seedStaff(ctx, userRepo, cc); err != nil {
		logger.Fatal().Err(err).Msg("seeding staff failed")
	}

	// engines
	vcfg := voting.Config{
		ChatID:            cc.ChatID,
		VoteMin:           cc.VoteMin,
		VoteMax:           cc.VoteMax,
		VoteNeutral:       cc.VoteNeutral,
		MinVotesForWinner: cc.MinVotesForWinner,
		VotingDuration:    cc.VotingDuration,
		StatsThrottle:     cc.StatsThrottle,
		IndicatorRate:     cc.IndicatorRate,
	}
	entries := voting.NewEngine(voting.EntryPolicy(cc.ChatID, cc.WinnerReward, stateRepo, userRepo, client), vcfg,
		votableRepo, userRepo, stateRepo, client, recorder, clock, nil, logger)
	vcfg.VotingDuration = cc.SuggestionVotingDuration
	suggestions := voting.NewEngine(voting.SuggestionPolicy(stateRepo), vcfg,
		votableRepo, userRepo, stateRepo, client, recorder, clock, nil, logger)
	postpones := postpone.NewService(postponeRepo, userRepo, stateRepo, client, recorder, postpone.Config{
		ChatID:      cc.ChatID,
		Quorum:      cc.PostponeQuorum,
		Cost:        cc.PostponeCost,
		MaxDuration: cc.PostponeMaxDuration,
		LockTimeout: cc.PostponeLockTimeout,
	}, logger)
	premod := premoderation.NewService(userRepo, dialogs, client, premoderation.Config{
		VoteTimeout: cc.AdminVoteTimeout,
		GraceWindow: cc.AdminGraceWindow,
	}, logger)

	// contest machine
	notifier := workflow.NewAdminBroadcast(userRepo, client, logger)
	machine := workflow.NewMachine(stateRepo, notifier, cc.TransitionLockTimeout, logger)
	machine.Observe(sseHub.ObserveTransition)
	wf := workflow.NewWorkflow(machine, stateRepo, userRepo, votableRepo, entries, suggestions, postpones, premod,
		dialogs, client, recorder, notifier, clock, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 1)), workflow.Config{
			ChatID:              cc.ChatID,
			ContestDuration:     cc.ContestDuration,
			CollectionDuration:  cc.SuggestionCollectionDuration,
			MinSuggestions:      cc.MinSuggestions,
			SuggestionExtension: cc.SuggestionExtension,
			ParticipationReward: cc.ParticipationReward,
			WinnerChoiceTimeout: cc.WinnerChoiceTimeout,
			RandomTasks:         cc.RandomTasks,
		}, logger)
	wf.Register()
	wf.Subscribe(bus)
	submissions := workflow.NewSubmissions(machine, stateRepo, userRepo, votableRepo, client, recorder, cc.ChatID, logger)
	submissions.Subscribe(bus)

	sched := scheduler.NewService(stateRepo, clock, machine, wf, cc.Previews(), logger)
	sched.Subscribe(bus)

	// inbound
	registry := inbound.NewRegistry()
	if err := inbound.RegisterDefaults(registry, inbound.Commands{Postpones: postpones, Machine: machine, Bus: bus}); err != nil {
		logger.Fatal().Err(err).Msg("command registry failed")
	}
	router := inbound.NewRouter(registry, userRepo, stateRepo, []inbound.VoteHandler{entries, suggestions},
		dialogs, submissions, client, bus, logger)

	// API server
	apiServer := httpapi.NewServer(router, stateRepo, bus, machine, recorder, sseHub, metricsHandler,
		cfg.WebhookSecret, cfg.AdminTokenHash, logger)
	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // event streams stay open
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := machine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { sched.Run(gctx, cfg.SchedulerInterval); return nil })
	g.Go(func() error { dialogs.Run(gctx, cfg.DialogPruneInterval); return nil })
	g.Go(func() error { sseHub.Start(gctx, 30*time.Second); return nil })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.WebhookURL != "" {
		if err := client.SetWebhook(ctx, cfg.WebhookURL, cfg.WebhookSecret); err != nil {
			logger.Fatal().Err(err).Msg("webhook registration failed")
		}
		logger.Info().Str("url", cfg.WebhookURL).Msg("receiving updates over webhook")
	} else {
		if err := client.SetWebhook(ctx, "", ""); err != nil {
			logger.Warn().Err(err).Msg("failed to clear webhook")
		}
		poller := botapi.NewPoller(client, router, 50*time.Second, logger)
		g.Go(func() error { poller.Run(gctx); return nil })
	}

	// graceful shutdown
	<-gctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	dialogs.CancelAll()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("background loop failed")
	}
	apiServer.Wait()
	bus.Wait()
	wf.Wait()
	entries.Wait()
	suggestions.Wait()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// seedStaff makes sure the configured administrators and supervisors exist
// with their roles.
func seedStaff(ctx context.Context, users user.Repository, cc config.Contest) error {
	roles := make(map[int64]user.Role)
	for _, id := range cc.AdminIDs {
		roles[id] = user.RoleAdmin
	}
	for _, id := range cc.SupervisorIDs {
		roles[id] = user.RoleSupervisor
	}
	for id, role := range roles {
		if err := users.Upsert(ctx, &user.User{ID: id, ChatID: id}); err != nil {
			return err
		}
		if err := users.SetRole(ctx, id, role); err != nil {
			return err
		}
	}
	return nil
}
