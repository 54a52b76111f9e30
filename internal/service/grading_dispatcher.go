package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
)

var (
	// ErrGradingInFlight indicates the submission is already being graded somewhere.
	ErrGradingInFlight = errors.New("grading already in progress for submission")
	// ErrGraderUnavailable indicates auto-grading was requested without a grader.
	ErrGraderUnavailable = errors.New("automatic grading is not available")
)

const (
	gradingStatusCompleted = "completed"
	gradingStatusFailed    = "failed"

	defaultGradingLockTTL = 10 * time.Minute
	// gradingFinalizeTimeout bounds storing and announcing the outcome once grading returned.
	gradingFinalizeTimeout = 15 * time.Second
)

// releaseLockScript deletes the lock only when it is still owned by this node.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AutoGradeJob describes one background grading request.
type AutoGradeJob struct {
	SubmissionID  uint
	Input         ai.GradingInput
	CorrelationID string
}

// GradingCompletionFunc receives the outcome of a job. It is invoked exactly once per
// accepted job, with either a result or the grading error.
type GradingCompletionFunc func(ctx context.Context, job AutoGradeJob, result ai.GradingResult, gradeErr error) error

// GradingDispatcher runs grading jobs without blocking the caller.
type GradingDispatcher interface {
	Dispatch(ctx context.Context, job AutoGradeJob, onComplete GradingCompletionFunc) error
	Wait()
	WaitContext(ctx context.Context) error
}

// GradingDispatcherConfig wires the optional distributed pieces of the dispatcher.
type GradingDispatcherConfig struct {
	Redis       *redis.Client
	NATS        *nats.Conn
	ChannelBase string
	LockTTL     time.Duration
}

// GradingCompletedEvent is broadcast once a job finished and its outcome was stored.
type GradingCompletedEvent struct {
	Source         string    `json:"source"`
	SubmissionID   uint      `json:"submission_id"`
	Status         string    `json:"status"`
	SuggestedGrade *int      `json:"suggested_grade"`
	Error          string    `json:"error,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

type gradingDispatcher struct {
	grader      ai.Grader
	redis       *redis.Client
	nats        *nats.Conn
	lockPrefix  string
	redisStream string
	natsSubject string
	lockTTL     time.Duration
	logger      zerolog.Logger
	tracer      trace.Tracer
	nodeID      string
	now         func() time.Time

	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[uint]struct{}
}

// NewGradingDispatcher constructs a dispatcher around the grader.
func NewGradingDispatcher(grader ai.Grader, cfg GradingDispatcherConfig, logger zerolog.Logger) GradingDispatcher {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultGradingLockTTL
	}

	base := strings.TrimSpace(cfg.ChannelBase)
	if base == "" {
		base = "gema"
	}

	return &gradingDispatcher{
		grader:      grader,
		redis:       cfg.Redis,
		nats:        cfg.NATS,
		lockPrefix:  base + ":grading:lock:",
		redisStream: base + ":grading",
		natsSubject: strings.ReplaceAll(base, ":", ".") + ".grading.completed",
		lockTTL:     cfg.LockTTL,
		logger:      logger.With().Str("component", "grading_dispatcher").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/grading"),
		nodeID:      uuid.NewString(),
		now:         time.Now,
		inFlight:    make(map[uint]struct{}),
	}
}

// Dispatch claims the submission and grades it in a background goroutine. The caller's
// context only contributes values: cancelling it does not abort the job.
func (d *gradingDispatcher) Dispatch(ctx context.Context, job AutoGradeJob, onComplete GradingCompletionFunc) error {
	if d.grader == nil {
		return ErrGraderUnavailable
	}
	if onComplete == nil {
		return fmt.Errorf("grading completion callback is required")
	}

	if err := d.acquire(ctx, job.SubmissionID); err != nil {
		if errors.Is(err, ErrGradingInFlight) {
			observability.GradingJobs().WithLabelValues("duplicate").Inc()
		}
		return err
	}

	detached := context.WithoutCancel(ctx)

	d.wg.Add(1)
	observability.GradingJobsActive().Inc()
	go d.run(detached, job, onComplete)

	d.logger.Info().
		Uint("submission_id", job.SubmissionID).
		Str("correlation_id", job.CorrelationID).
		Msg("grading job dispatched")

	return nil
}

// Wait blocks until every dispatched job has finished.
func (d *gradingDispatcher) Wait() {
	d.wg.Wait()
}

// WaitContext is Wait bounded by ctx. Jobs still running when ctx ends keep running.
func (d *gradingDispatcher) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gradeTimeout leaves room for the finalize step inside the lock lifetime when the TTL allows it.
func (d *gradingDispatcher) gradeTimeout() time.Duration {
	if d.lockTTL > 2*gradingFinalizeTimeout {
		return d.lockTTL - gradingFinalizeTimeout
	}
	return d.lockTTL
}

func (d *gradingDispatcher) run(ctx context.Context, job AutoGradeJob, onComplete GradingCompletionFunc) {
	defer d.wg.Done()
	defer observability.GradingJobsActive().Dec()
	defer d.release(ctx, job.SubmissionID)

	ctx, span := d.tracer.Start(ctx, "grading.auto", trace.WithAttributes(
		attribute.Int64("submission.id", int64(job.SubmissionID)),
		attribute.String("correlation.id", job.CorrelationID),
	))
	defer span.End()

	// Only the provider call is bounded by the lock; the outcome is stored even after a timeout.
	gradeCtx, cancelGrade := context.WithTimeout(ctx, d.gradeTimeout())
	result, gradeErr := d.grade(gradeCtx, job)
	cancelGrade()

	ctx, cancel := context.WithTimeout(ctx, gradingFinalizeTimeout)
	defer cancel()

	event := GradingCompletedEvent{
		Source:        d.nodeID,
		SubmissionID:  job.SubmissionID,
		Status:        gradingStatusCompleted,
		CorrelationID: job.CorrelationID,
	}

	callbackErr := onComplete(ctx, job, result, gradeErr)

	switch {
	case gradeErr != nil:
		event.Status = gradingStatusFailed
		event.Error = gradeErr.Error()
		span.RecordError(gradeErr)
		span.SetStatus(codes.Error, "grading failed")
		d.logger.Warn().Err(gradeErr).Uint("submission_id", job.SubmissionID).Msg("automatic grading failed")
	case callbackErr != nil:
		event.Status = gradingStatusFailed
		event.Error = callbackErr.Error()
		span.RecordError(callbackErr)
		span.SetStatus(codes.Error, "grading result not stored")
	default:
		event.SuggestedGrade = result.SuggestedGrade
	}
	if callbackErr != nil {
		d.logger.Error().Err(callbackErr).Uint("submission_id", job.SubmissionID).Msg("failed to store grading outcome")
	}

	observability.GradingJobs().WithLabelValues(event.Status).Inc()

	event.CompletedAt = d.now().UTC()
	if err := d.publish(ctx, event); err != nil {
		d.logger.Warn().Err(err).Uint("submission_id", job.SubmissionID).Msg("failed to publish grading event")
	}
}

// grade converts a grader panic into an error so the completion callback still runs.
func (d *gradingDispatcher) grade(ctx context.Context, job AutoGradeJob) (result ai.GradingResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("grader panic: %v", recovered)
		}
	}()

	return d.grader.Grade(ctx, job.Input)
}

func (d *gradingDispatcher) acquire(ctx context.Context, submissionID uint) error {
	d.mu.Lock()
	if _, exists := d.inFlight[submissionID]; exists {
		d.mu.Unlock()
		return ErrGradingInFlight
	}
	d.inFlight[submissionID] = struct{}{}
	d.mu.Unlock()

	if d.redis == nil {
		return nil
	}

	ok, err := d.redis.SetNX(ctx, d.lockKey(submissionID), d.nodeID, d.lockTTL).Result()
	if err != nil || !ok {
		d.forget(submissionID)
	}
	if err != nil {
		return fmt.Errorf("acquire grading lock: %w", err)
	}
	if !ok {
		return ErrGradingInFlight
	}

	return nil
}

func (d *gradingDispatcher) release(ctx context.Context, submissionID uint) {
	if d.redis != nil {
		if err := releaseLockScript.Run(ctx, d.redis, []string{d.lockKey(submissionID)}, d.nodeID).Err(); err != nil {
			d.logger.Warn().Err(err).Uint("submission_id", submissionID).Msg("failed to release grading lock")
		}
	}
	d.forget(submissionID)
}

func (d *gradingDispatcher) forget(submissionID uint) {
	d.mu.Lock()
	delete(d.inFlight, submissionID)
	d.mu.Unlock()
}

func (d *gradingDispatcher) lockKey(submissionID uint) string {
	return fmt.Sprintf("%s%d", d.lockPrefix, submissionID)
}

func (d *gradingDispatcher) publish(ctx context.Context, event GradingCompletedEvent) error {
	if d.redis == nil && d.nats == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if d.redis != nil {
		if err := d.redis.Publish(ctx, d.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if d.nats != nil {
		if err := d.nats.Publish(d.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}
