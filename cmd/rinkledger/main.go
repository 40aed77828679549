package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rinkledger/rinkledger/internal/app"
	"github.com/rinkledger/rinkledger/internal/compliance"
	compliancehttp "github.com/rinkledger/rinkledger/internal/compliance/http"
	"github.com/rinkledger/rinkledger/internal/observability"
	"github.com/rinkledger/rinkledger/internal/platform/cache"
	"github.com/rinkledger/rinkledger/internal/platform/db"
	"github.com/rinkledger/rinkledger/internal/policy"
	policyhttp "github.com/rinkledger/rinkledger/internal/policy/http"
	"github.com/rinkledger/rinkledger/internal/quorum"
	quorumhttp "github.com/rinkledger/rinkledger/internal/quorum/http"
	"github.com/rinkledger/rinkledger/internal/season"
	seasonhttp "github.com/rinkledger/rinkledger/internal/season/http"
	"github.com/rinkledger/rinkledger/internal/shared"
	"github.com/rinkledger/rinkledger/jobs"
)

// budgetValidatorAdapter narrows the compliance service to the verdict
// shape the season guards consume.
type budgetValidatorAdapter struct {
	service *compliance.Service
}

func (a budgetValidatorAdapter) ValidateBudgetVersion(ctx context.Context, teamID, versionID uuid.UUID) (season.BudgetVerdict, error) {
	result, err := a.service.ValidateBudgetVersion(ctx, teamID, versionID)
	if err != nil {
		return season.BudgetVerdict{}, err
	}
	verdict := season.BudgetVerdict{Valid: result.IsValid}
	for _, v := range result.Violations {
		verdict.Problems = append(verdict.Problems, v.Message)
	}
	return verdict, nil
}

// approvalOpenerAdapter lets the season service open quorum rounds. The
// tracker is bound after construction because it in turn locks seasons.
type approvalOpenerAdapter struct {
	tracker *quorum.Tracker
}

func (a *approvalOpenerAdapter) OpenRequest(ctx context.Context, tx pgx.Tx, in season.OpenApprovalInput) (uuid.UUID, error) {
	requestType := quorum.RequestInitial
	if in.Revision {
		requestType = quorum.RequestRevision
	}
	req, err := a.tracker.OpenRequest(ctx, tx, quorum.OpenRequestInput{
		SeasonID:        in.SeasonID,
		TeamID:          in.TeamID,
		BudgetVersionID: in.BudgetVersionID,
		Type:            requestType,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return req.ID, nil
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, compliance cache degraded", slog.Any("error", err))
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)

	policyRepo := policy.NewRepository(dbpool)
	snapshotter := policy.NewSnapshotter(policyRepo, logger)

	warningWeight, errorWeight, criticalWeight, compliantMin, atRiskMin := cfg.ScoringPolicyValues()
	scoring := compliance.ScoringPolicy{
		WarningWeight:  warningWeight,
		ErrorWeight:    errorWeight,
		CriticalWeight: criticalWeight,
		CompliantMin:   compliantMin,
		AtRiskMin:      atRiskMin,
	}
	complianceRepo := compliance.NewRepository(dbpool)
	complianceCache := compliance.NewCache(redisClient, cfg.ComplianceCacheTTL)
	complianceService := compliance.NewService(complianceRepo, complianceCache, jobClient, logger, scoring)

	seasonRepo := season.NewRepository(dbpool)
	approvalOpener := &approvalOpenerAdapter{}
	seasonService := season.NewService(
		seasonRepo,
		budgetValidatorAdapter{service: complianceService},
		approvalOpener,
		seasonRepo,
		complianceService,
		snapshotter,
		auditLogger,
		logger,
		cfg.ViolationReviewGrace,
	)

	quorumRepo := quorum.NewRepository(dbpool)
	tracker := quorum.NewTracker(quorumRepo, seasonService, seasonRepo, jobClient, logger)
	approvalOpener.tracker = tracker

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SeasonHandler:     seasonhttp.NewHandler(logger, seasonService),
		ComplianceHandler: compliancehttp.NewHandler(logger, complianceService),
		QuorumHandler:     quorumhttp.NewHandler(logger, tracker),
		PolicyHandler:     policyhttp.NewHandler(logger, policyRepo, snapshotter),
		JobsHandler:       jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}
