package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"giftcode-redeemer/pkg/config"
	"giftcode-redeemer/pkg/db/pagination"
	"giftcode-redeemer/pkg/errutil"
	"giftcode-redeemer/pkg/rediskey"
	"giftcode-redeemer/pkg/task"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *Ledger
	batch    *Batch
	locker   Locker
	rdb      *redis.Client
	enqueuer task.Enqueuer

	lockTTL       time.Duration
	taskCfg       BatchTaskConfig
	asyncMaxItems int
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Ledger *Ledger
	Batch  *Batch

	Redis    *redis.Client `optional:"true"`
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		batch:    p.Batch,
		locker:   noopLocker{},
		rdb:      p.Redis,
		enqueuer: p.Enqueuer,
		lockTTL:  2 * time.Hour,
	}
	if p.Redis != nil {
		s.locker = NewRedisLocker(p.Redis, p.Node)
	}
	if p.Config != nil {
		r := p.Config.Redeem
		if r.LockTTL > 0 {
			s.lockTTL = r.LockTTL
		}
		s.taskCfg = BatchTaskConfig{
			Queue:     r.TaskQueue,
			Retention: r.TaskRetention,
			Timeout:   r.TaskTimeout,
		}
		s.asyncMaxItems = r.AsyncMaxItems
	}
	// the lock must outlive the longest delivery or a retry could overlap it
	if s.taskCfg.Timeout > s.lockTTL {
		s.lockTTL = s.taskCfg.Timeout
	}
	return s
}

func logger(ctx context.Context) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	return zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)
}

// RunBatch redeems code for items synchronously and returns the completed
// job with its results.
func (s *Service) RunBatch(ctx context.Context, code string, items []Item, onProgress ProgressFunc, opts ...RunOption) (*RedemptionJob, []Result, error) {
	if err := ValidateRequest(items, code); err != nil {
		return nil, nil, err
	}
	items = NormalizeItems(items)

	job, err := s.createJob(ctx, code, items, JobRunning)
	if err != nil {
		return nil, nil, err
	}

	results, err := s.execute(ctx, job, items, nil, false, onProgress, opts...)
	if err != nil {
		if errutil.IsStatus(err, errutil.StatusConflict) {
			s.finishJob(ctx, job, JobFailed, nil, err.Error())
		}
		return job, nil, err
	}
	return job, results, nil
}

// EnqueueBatch stores a pending job and hands it to the task worker.
func (s *Service) EnqueueBatch(ctx context.Context, code string, items []Item) (*RedemptionJob, error) {
	zapLog := logger(ctx).With(zap.String("code", code))

	if err := ValidateRequest(items, code); err != nil {
		return nil, err
	}
	items = NormalizeItems(items)
	if s.asyncMaxItems > 0 && len(items) > s.asyncMaxItems {
		return nil, errutil.ValidationFailed(fmt.Sprintf("at most %d items per batch", s.asyncMaxItems), nil)
	}
	if s.enqueuer == nil {
		return nil, errutil.ServiceUnavailable("task queue is not configured", nil)
	}

	job, err := s.createJob(ctx, code, items, JobPending)
	if err != nil {
		return nil, err
	}

	t, err := NewBatchTask(BatchTaskPayload{JobID: job.ID, Code: code})
	if err != nil {
		return nil, errutil.Internal("failed to build batch task", err)
	}
	if _, err := s.enqueuer.Enqueue(ctx, t, BatchTaskOptions(job.ID, s.taskCfg)...); err != nil {
		zapLog.Error("failed to enqueue batch", zap.String("job_id", job.ID), zap.Error(err))
		s.finishJob(ctx, job, JobFailed, nil, err.Error())
		return nil, errutil.ServiceUnavailable("failed to enqueue batch", err)
	}

	zapLog.Info("enqueued redemption batch", zap.String("job_id", job.ID), zap.Int("items", len(items)))
	return job, nil
}

// HandleBatchTask is the asynq handler for GiftCodeRedeemBatch.
func (s *Service) HandleBatchTask(ctx context.Context, t *asynq.Task) error {
	var payload BatchTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid batch payload", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(zap.String("job_id", payload.JobID), zap.String("code", payload.Code))

	var job RedemptionJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", payload.JobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			zapLog.Warn("batch job not found")
			return fmt.Errorf("job %s: %w", payload.JobID, asynq.SkipRetry)
		}
		return err
	}
	if job.Status == JobCompleted || job.Status == JobFailed {
		zapLog.Info("batch job already finished", zap.String("status", job.Status.String()))
		return nil
	}

	var items []Item
	if err := json.Unmarshal(job.Items, &items); err != nil {
		s.finishJob(ctx, &job, JobFailed, nil, "corrupt items: "+err.Error())
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	var carried []Result
	if len(job.Results) > 0 {
		if err := json.Unmarshal(job.Results, &carried); err != nil {
			zapLog.Warn("discarding unreadable partial results", zap.Error(err))
			carried = nil
		}
	}

	zapLog.Info("processing batch task", zap.Int("items", len(items)), zap.Int("carried", len(carried)))

	if _, err := s.execute(ctx, &job, items, carried, true, nil); err != nil {
		switch {
		case errutil.IsStatus(err, errutil.StatusConflict):
			zapLog.Info("batch for this code is running, will retry")
			return err
		case errors.Is(err, errBatchInterrupted):
			zapLog.Warn("batch interrupted, will resume", zap.Error(err))
			return err
		}
		zapLog.Error("batch task failed", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*RedemptionJob, error) {
	var job RedemptionJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("redemption job not found", nil)
		}
		logger(ctx).Error("failed to get job", zap.String("job_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to get job", err)
	}

	if job.Status == JobRunning && s.rdb != nil {
		n, err := s.rdb.HGet(ctx, rediskey.BuildJobProgressKey(id), "processed").Int()
		if err == nil {
			job.Processed = n
		}
	}
	return &job, nil
}

// History pages through the accounts credited with code.
func (s *Service) History(ctx context.Context, code string, p pagination.Pagination) ([]*RedemptionHistory, *pagination.PageInfo, error) {
	if !codePattern.MatchString(code) {
		return nil, nil, errutil.ValidationFailed("invalid gift code", nil)
	}

	rows, info, err := s.ledger.ListByCode(ctx, code, p)
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			return nil, nil, err
		}
		logger(ctx).Error("failed to list history", zap.String("code", code), zap.Error(err))
		return nil, nil, errutil.Internal("failed to list history", err)
	}
	return rows, info, nil
}

func (s *Service) createJob(ctx context.Context, code string, items []Item, status JobStatus) (*RedemptionJob, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, errutil.Internal("failed to encode items", err)
	}

	job := &RedemptionJob{
		ID:     s.node.Generate().String(),
		Code:   code,
		Status: status,
		Total:  len(items),
		Items:  datatypes.JSON(raw),
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		logger(ctx).Error("failed to create job", zap.String("code", code), zap.Error(err))
		return nil, errutil.Internal("failed to create job", err)
	}
	return job, nil
}

// execute runs items under the code lock. carried holds outcomes of an
// earlier interrupted delivery; those accounts are not run again. With
// resumable set, an interrupted run parks the job as pending with the
// outcomes it reached and returns errBatchInterrupted.
func (s *Service) execute(ctx context.Context, job *RedemptionJob, items []Item, carried []Result, resumable bool, onProgress ProgressFunc, opts ...RunOption) ([]Result, error) {
	zapLog := logger(ctx).With(zap.String("job_id", job.ID), zap.String("code", job.Code))

	release, err := s.locker.Acquire(ctx, job.Code, s.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, errutil.Conflict("a batch for this code is already running", err)
		}
		zapLog.Error("failed to acquire lock", zap.Error(err))
		return nil, errutil.ServiceUnavailable("failed to acquire lock", err)
	}
	defer release()

	now := time.Now()
	job.Status, job.StartedAt = JobRunning, &now
	if err := s.db.WithContext(ctx).Model(job).Updates(map[string]any{
		"status":     job.Status,
		"started_at": now,
	}).Error; err != nil {
		zapLog.Warn("failed to mark job running", zap.Error(err))
	}

	work, done := remaining(items, carried)
	offset := len(done)

	progressKey := rediskey.BuildJobProgressKey(job.ID)
	report := func(processed, total int, r Result) {
		processed += offset
		total = job.Total
		if s.rdb != nil {
			pipe := s.rdb.TxPipeline()
			pipe.HSet(ctx, progressKey, "processed", processed, "total", total)
			pipe.Expire(ctx, progressKey, s.lockTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				zapLog.Debug("failed to publish progress", zap.Error(err))
			}
		}
		zapLog.Debug("item finished",
			zap.Int("processed", processed),
			zap.Int("total", total),
			zap.String("fid", r.FID),
			zap.String("status", r.Status.String()),
			zap.String("reason", r.Reason),
		)
		if onProgress != nil {
			onProgress(processed, total, r)
		}
	}

	var results []Result
	if len(work) > 0 {
		results, err = s.batch.Run(ctx, work, job.Code, report, opts...)
		if err != nil {
			s.finishJob(ctx, job, JobFailed, nil, err.Error())
			return nil, err
		}
	}
	all := append(done, results...)

	if resumable && ctx.Err() != nil && Summarize(results).Failed > 0 {
		s.suspendJob(ctx, job, all)
		return nil, fmt.Errorf("%w: %v", errBatchInterrupted, ctx.Err())
	}

	s.finishJob(ctx, job, JobCompleted, all, "")
	return all, nil
}

var errBatchInterrupted = errors.New("redemption: batch interrupted")

// remaining splits items into those still to run and the outcomes already
// known from carried. Extra copies of a finished account are reported as
// duplicates so the job still accounts for every item.
func remaining(items []Item, carried []Result) (work []Item, done []Result) {
	if len(carried) == 0 {
		return items, nil
	}

	finished := make(map[string]struct{}, len(carried))
	for _, r := range carried {
		finished[r.FID] = struct{}{}
	}
	done = append(done, carried...)

	covered := make(map[string]struct{}, len(carried))
	for _, it := range items {
		if _, ok := finished[it.FID]; !ok {
			work = append(work, it)
			continue
		}
		if _, ok := covered[it.FID]; ok {
			done = append(done, duplicate(it))
		}
		covered[it.FID] = struct{}{}
	}
	return work, done
}

// suspendJob stores the settled outcomes of an interrupted run and puts the
// job back to pending. Failed items are dropped so the next delivery runs them
// again; accounts that succeeded stay skipped through the ledger anyway.
func (s *Service) suspendJob(ctx context.Context, job *RedemptionJob, results []Result) {
	settled := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Status == StatusSuccess || (r.Status == StatusSkipped && r.Reason != reasonDuplicate) {
			settled = append(settled, r)
		}
	}
	sum := Summarize(settled)

	raw, err := json.Marshal(settled)
	if err != nil {
		zap.L().Error("failed to encode partial results", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	job.Status = JobPending
	job.Results = datatypes.JSON(raw)
	job.Processed = sum.Total
	job.Succeeded, job.Skipped, job.Failed = sum.Success, sum.Skipped, 0

	if err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&RedemptionJob{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status":    job.Status,
		"results":   job.Results,
		"processed": job.Processed,
		"succeeded": job.Succeeded,
		"skipped":   job.Skipped,
		"failed":    0,
	}).Error; err != nil {
		zap.L().Error("failed to suspend job", zap.String("job_id", job.ID), zap.Error(err))
	}

	zap.L().Info("redemption job suspended",
		zap.String("job_id", job.ID),
		zap.Int("settled", len(settled)),
		zap.Int("total", job.Total),
	)
}

func (s *Service) finishJob(ctx context.Context, job *RedemptionJob, status JobStatus, results []Result, reason string) {
	now := time.Now()
	sum := Summarize(results)

	job.Status = status
	job.CompletedAt = &now
	job.Error = reason
	job.Processed = sum.Total
	job.Succeeded, job.Skipped, job.Failed = sum.Success, sum.Skipped, sum.Failed

	updates := map[string]any{
		"status":       status,
		"completed_at": now,
		"error":        reason,
		"processed":    sum.Total,
		"succeeded":    sum.Success,
		"skipped":      sum.Skipped,
		"failed":       sum.Failed,
	}
	if results != nil {
		raw, err := json.Marshal(results)
		if err == nil {
			job.Results = datatypes.JSON(raw)
			updates["results"] = job.Results
		}
	}

	// the run context may already be canceled; the audit row must still land
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&RedemptionJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to finish job", zap.String("job_id", job.ID), zap.Error(err))
	}
	if s.rdb != nil {
		_ = s.rdb.Del(context.WithoutCancel(ctx), rediskey.BuildJobProgressKey(job.ID)).Err()
	}

	zap.L().Info("redemption job finished",
		zap.String("job_id", job.ID),
		zap.String("status", status.String()),
		zap.Int("success", sum.Success),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("total", job.Total),
	)
}
