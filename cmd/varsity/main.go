package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/varsity-erp/varsity-erp/internal/app"
	"github.com/varsity-erp/varsity-erp/internal/auth"
	"github.com/varsity-erp/varsity-erp/internal/courses"
	"github.com/varsity-erp/varsity-erp/internal/observability"
	"github.com/varsity-erp/varsity-erp/internal/platform/db"
	"github.com/varsity-erp/varsity-erp/internal/rbac"
	"github.com/varsity-erp/varsity-erp/internal/shared"
	"github.com/varsity-erp/varsity-erp/internal/users"
	"github.com/varsity-erp/varsity-erp/jobs"
)

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

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "varsity_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	metrics := observability.NewMetrics()

	rbacRepo := rbac.NewRepository(dbpool)
	resolver := rbac.NewResolver(rbacRepo, cfg.PermissionCacheTTL)
	snapshots := rbac.NewSnapshotStore(redisClient, cfg.PermissionCacheTTL)
	permissionManager := rbac.NewManager(resolver, snapshots, logger, cfg.PermissionRefreshInterval)
	permissionManager.ObserveRefreshes(metrics.ObserveRefresh)
	defer permissionManager.Close()

	rbacService := rbac.NewService(rbacRepo, resolver)
	rbacMiddleware := rbac.Middleware{Manager: permissionManager, Logger: logger, Observe: metrics.ObservePermissionCheck}
	rbacHandler := rbac.NewHandler(logger, rbacService, permissionManager, rbacMiddleware)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager, permissionManager)

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo)
	usersHandler := users.NewHandler(logger, usersService, rbacMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	rbacService.NotifyAssignments(func(ctx context.Context, ev rbac.AssignmentEvent) {
		user, err := usersService.GetUser(ctx, ev.UserID)
		if err != nil {
			logger.Warn("assignment notification lookup", slog.Int64("user_id", ev.UserID), slog.Any("error", err))
			return
		}
		subject := "Your access has changed"
		body := fmt.Sprintf("A role was %s on your account (role id %d).", ev.Kind, ev.RoleID)
		if ev.Role != "" {
			body = fmt.Sprintf("The %s role was %s on your account.", ev.Role, ev.Kind)
		}
		if _, err := jobsClient.EnqueueSendEmail(ctx, jobs.SendEmailPayload{To: user.Email, Subject: subject, Body: body}); err != nil {
			logger.Warn("enqueue assignment notification", slog.Any("error", err))
		}
	})

	coursesRepo := courses.NewRepository(dbpool)
	coursesService := courses.NewService(coursesRepo)
	coursesHandler := courses.NewHandler(logger, coursesService, rbacMiddleware)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    authHandler,
		RBACHandler:    rbacHandler,
		UsersHandler:   usersHandler,
		CoursesHandler: coursesHandler,
		JobsHandler:    jobsHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
