package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/varsity-erp/varsity-erp/internal/jobs"
	"github.com/varsity-erp/varsity-erp/internal/rbac"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const defaultWarmupWindow = 30 * time.Minute

// SnapshotWarmupJob re-resolves effective permissions for users with live
// sessions and refreshes their Redis snapshots, so the next login primes from
// a fresh provisional set.
type SnapshotWarmupJob struct {
	Resolver  *rbac.Resolver
	Snapshots *rbac.SnapshotStore
	Pool      *pgxpool.Pool
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewSnapshotWarmupJob wires dependencies for the warmup handler.
func NewSnapshotWarmupJob(resolver *rbac.Resolver, snapshots *rbac.SnapshotStore, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotWarmupJob {
	return &SnapshotWarmupJob{
		Resolver:  resolver,
		Snapshots: snapshots,
		Pool:      pool,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes snapshot warmup tasks.
func (j *SnapshotWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("snapshot warmup: handler not configured")
	}
	var payload SnapshotWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	window := defaultWarmupWindow
	if payload.WindowMinutes > 0 {
		window = time.Duration(payload.WindowMinutes) * time.Minute
	}

	tracker := j.metrics().Track(TaskPermissionSnapshotWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Duration("window", window))
	logger.Info("starting permission snapshot warmup")

	now := j.now()
	targets, err := j.fetchTargets(ctx, now.Add(-window))
	if err != nil {
		resultErr = err
		logger.Error("load warmup targets", slog.Any("error", err))
		return resultErr
	}
	if len(targets) == 0 {
		logger.Info("no live sessions discovered for warmup")
		return resultErr
	}

	warmed := 0
	for _, target := range targets {
		if err := j.warmUser(ctx, target, now); err != nil {
			if rbac.IsUnavailable(err) {
				resultErr = err
				logger.Error("warm user", slog.Int64("user_id", target.userID), slog.Any("error", err))
				j.metrics().AddWarmedSnapshots("failure", 1)
				return resultErr
			}
			// A user deleted mid-run is not a job failure.
			logger.Warn("skip warmup target", slog.Int64("user_id", target.userID), slog.Any("error", err))
			j.metrics().AddWarmedSnapshots("skipped", 1)
			continue
		}
		warmed++
	}

	j.metrics().AddWarmedSnapshots("success", warmed)
	logger.Info("completed permission snapshot warmup", slog.Int("users", warmed), slog.Duration("duration", time.Since(now)))
	return resultErr
}

func (j *SnapshotWarmupJob) warmUser(ctx context.Context, target warmupTarget, now time.Time) error {
	if j.Resolver == nil || j.Snapshots == nil {
		return nil
	}
	userCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	perms, err := j.Resolver.Resolve(userCtx, target.userID, rbac.RequestContext{
		Department: target.department,
		Now:        now,
	})
	if err != nil {
		return err
	}
	return j.Snapshots.Save(userCtx, perms)
}

func (j *SnapshotWarmupJob) fetchTargets(ctx context.Context, since time.Time) ([]warmupTarget, error) {
	if j.Pool == nil {
		return nil, errors.New("snapshot warmup: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT DISTINCT s.user_id, u.department
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.expires_at > $1 AND u.is_active = TRUE
		ORDER BY s.user_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make([]warmupTarget, 0)
	for rows.Next() {
		var target warmupTarget
		if err := rows.Scan(&target.userID, &target.department); err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}

func (j *SnapshotWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPermissionSnapshotWarmup))
	}
	return slog.Default().With(slog.String("job", TaskPermissionSnapshotWarmup))
}

func (j *SnapshotWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SnapshotWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

type warmupTarget struct {
	userID     int64
	department string
}
