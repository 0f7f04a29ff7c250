package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"hearthsync/internal/checkpoint"
	"hearthsync/internal/domain"
	"hearthsync/internal/events"
	"hearthsync/internal/logging"
	"hearthsync/internal/metrics"
	"hearthsync/internal/models"
	"hearthsync/internal/queue"
	"hearthsync/internal/reconcile"
	"hearthsync/internal/retry"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultDeadLetterKey = "hearthsync:deadletter"

// SyncWorker drains the write queue of one account: it batches eligible
// entries, guards each batch with a checkpoint and applies the per-operation
// outcomes.
type SyncWorker struct {
	scope     models.Scope
	cfg       Config
	transport domain.Transport
	querier   domain.OutcomeQuerier
	limiter   domain.UploadLimiter
	events    domain.EventPublisher
	logger    *zerolog.Logger
	now       func() time.Time

	queue       *queue.Manager
	checkpoints *checkpoint.Coordinator
	reconciler  *reconcile.Reconciler

	redis         *redis.Client
	deadLetterKey string

	cycleMu sync.Mutex
	wake    chan struct{}

	stateMu sync.Mutex
	closed  bool
	done    chan struct{}
	running sync.WaitGroup
}

type Option func(*SyncWorker)

// WithQuerier enables outcome queries for checkpoints found within their TTL.
func WithQuerier(q domain.OutcomeQuerier) Option {
	return func(w *SyncWorker) { w.querier = q }
}

func WithLimiter(l domain.UploadLimiter) Option {
	return func(w *SyncWorker) { w.limiter = l }
}

func WithEvents(p domain.EventPublisher) Option {
	return func(w *SyncWorker) { w.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(w *SyncWorker) { w.now = now }
}

// WithDeadLetter copies every permanently failed entry to a redis list.
func WithDeadLetter(client *redis.Client, key string) Option {
	return func(w *SyncWorker) {
		w.redis = client
		if key != "" {
			w.deadLetterKey = key
		}
	}
}

// New wires the queue, checkpoint and identity components of one scope.
func New(store domain.RecordStore, scope models.Scope, transport domain.Transport, cfg Config, logger *zerolog.Logger, opts ...Option) *SyncWorker {
	w := &SyncWorker{
		scope:         scope,
		cfg:           cfg.withDefaults(),
		transport:     transport,
		now:           time.Now,
		deadLetterKey: defaultDeadLetterKey,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	log := logging.ForAccount(logger, scope)
	workerLog := log.With().Str("component", "sync_worker").Logger()
	w.logger = &workerLog

	cpOpts := []checkpoint.Option{checkpoint.WithClock(w.now)}
	qOpts := []queue.Option{queue.WithClock(w.now)}
	rOpts := []reconcile.Option{reconcile.WithClock(w.now)}
	if w.querier != nil {
		cpOpts = append(cpOpts, checkpoint.WithQuerier(w.querier))
	}
	if w.events != nil {
		cpOpts = append(cpOpts, checkpoint.WithEvents(w.events))
		qOpts = append(qOpts, queue.WithEvents(w.events))
		rOpts = append(rOpts, reconcile.WithEvents(w.events))
	}

	w.checkpoints = checkpoint.New(store, scope, w.cfg.CheckpointTTL, log, cpOpts...)
	qOpts = append(qOpts, queue.WithInFlight(w.checkpoints))
	w.queue = queue.NewManager(store, scope, w.cfg.Policy, log, qOpts...)
	w.reconciler = reconcile.New(store, scope, w.queue, log, rOpts...)
	return w
}

func (w *SyncWorker) Scope() models.Scope { return w.scope }
func (w *SyncWorker) Queue() *queue.Manager { return w.queue }
func (w *SyncWorker) Checkpoints() *checkpoint.Coordinator { return w.checkpoints }
func (w *SyncWorker) Reconciler() *reconcile.Reconciler { return w.reconciler }

// RecoveryReport summarizes Init.
type RecoveryReport struct {
	Checkpoints int
	Resolved    int
	Retried     int
	Compacted   int
}

// CycleReport summarizes one batch cycle.
type CycleReport struct {
	RequestID string
	Sent      int
	Confirmed int
	Retrying  int
	Failed    int
}

// Init resolves checkpoints left by a previous run and finishes interrupted
// queue maintenance. It must run before the first cycle.
func (w *SyncWorker) Init(ctx context.Context) (RecoveryReport, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	report, err := w.recover(ctx)
	if err != nil {
		return report, err
	}
	n, err := w.queue.Compact(ctx)
	if err != nil {
		return report, err
	}
	report.Compacted = n

	w.logger.Info().
		Int("checkpoints", report.Checkpoints).
		Int("resolved", report.Resolved).
		Int("retried", report.Retried).
		Int("compacted", report.Compacted).
		Msg("sync worker initialized")
	w.updateDepth(ctx)
	return report, nil
}

func (w *SyncWorker) recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	plan, err := w.checkpoints.RecoverOnStartup(ctx)
	if err != nil || plan.Empty() {
		return report, err
	}

	entries, err := w.queue.ListAll(ctx)
	if err != nil {
		return report, err
	}
	byOp := make(map[string]models.QueuedWrite, len(entries))
	for _, e := range entries {
		byOp[e.OperationID] = e
	}

	now := w.now().UTC()
	for _, batch := range plan.Batches {
		report.Checkpoints++
		for _, opID := range batch.Checkpoint.InFlightOperationIDs {
			entry, ok := byOp[opID]
			if !ok {
				continue
			}
			out := batch.Outcome(opID)
			if out.Kind == models.OutcomeTransient {
				report.Retried++
			} else {
				report.Resolved++
			}
			if _, err := w.apply(ctx, entry, out, batch.Checkpoint.RequestID, now); err != nil {
				return report, err
			}
		}
		if err := w.checkpoints.Close(ctx, batch.Checkpoint.CheckpointID); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Enqueue records a local mutation and wakes the loop.
func (w *SyncWorker) Enqueue(ctx context.Context, entityType string, op models.Op, target models.QueueTargetID, payload json.RawMessage) (*queue.Receipt, error) {
	if w.isClosed() {
		return nil, models.ErrShutdown
	}
	receipt, err := w.queue.Enqueue(ctx, entityType, op, target, payload)
	if err != nil {
		return nil, err
	}
	w.signal()
	return receipt, nil
}

// EnqueueUpload is Enqueue for binary uploads, gated by the per-subject
// upload limiter.
func (w *SyncWorker) EnqueueUpload(ctx context.Context, subjectID, entityType string, op models.Op, target models.QueueTargetID, payload json.RawMessage) (*queue.Receipt, error) {
	if w.isClosed() {
		return nil, models.ErrShutdown
	}
	if w.limiter != nil {
		decision := w.limiter.Check(subjectID, w.now())
		if !decision.Allowed {
			metrics.IncRateLimited()
			w.logger.Info().
				Str("subject_id", subjectID).
				Dur("retry_after", decision.RetryAfter).
				Msg("upload rate limited")
			if w.events != nil {
				_ = w.events.PublishJSON(events.EventUploadRateLimited, events.RateLimitPayload{
					SubjectID:  subjectID,
					RetryAfter: decision.RetryAfter.Seconds(),
				})
			}
			return nil, &models.RateLimitError{SubjectID: subjectID, RetryAfter: decision.RetryAfter}
		}
	}
	return w.Enqueue(ctx, entityType, op, target, payload)
}

// RunCycle sends at most one batch. A checkpoint left open by an earlier
// interrupted cycle is recovered first. When the batch context is cancelled
// the checkpoint stays open and the error is returned.
func (w *SyncWorker) RunCycle(ctx context.Context) (CycleReport, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	var report CycleReport

	open, err := w.checkpoints.List(ctx)
	if err != nil {
		return report, err
	}
	if len(open) > 0 {
		if _, err := w.recover(ctx); err != nil {
			return report, err
		}
	}

	requestID := uuid.NewString()
	var cp *models.SyncCheckpoint
	now := w.now().UTC()
	batch, err := w.queue.Claim(ctx, w.cfg.BatchSize, now, func(batch []models.QueuedWrite) error {
		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].OperationID
		}
		opened, err := w.checkpoints.Open(ctx, ids, requestID)
		if err != nil {
			return err
		}
		cp = opened
		return nil
	})
	if err != nil || len(batch) == 0 {
		return report, err
	}
	report.RequestID = requestID
	report.Sent = len(batch)

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.BatchTimeout)
	started := time.Now()
	result, sendErr := w.transport.SendBatch(sendCtx, requestID, batch)
	cancel()
	metrics.ObserveBatch(time.Since(started))

	if sendErr != nil {
		if errors.Is(sendErr, context.Canceled) || errors.Is(sendErr, context.DeadlineExceeded) {
			w.logger.Warn().Err(sendErr).
				Str("request_id", requestID).
				Str("checkpoint_id", cp.CheckpointID).
				Msg("batch interrupted, checkpoint left open")
			return report, sendErr
		}
		result = uniformResult(batch, sendErr)
		w.logger.Warn().Err(sendErr).
			Str("request_id", requestID).
			Int("operations", len(batch)).
			Msg("batch failed")
	}

	now = w.now().UTC()
	for _, entry := range batch {
		decision, err := w.apply(ctx, entry, result.Outcome(entry.OperationID), requestID, now)
		if err != nil {
			return report, err
		}
		switch decision {
		case retry.DecisionRemove:
			report.Confirmed++
		case retry.DecisionRetry:
			report.Retrying++
		case retry.DecisionFail:
			report.Failed++
		}
	}

	if err := w.checkpoints.Close(ctx, cp.CheckpointID); err != nil {
		return report, err
	}

	w.logger.Info().
		Str("request_id", requestID).
		Int("sent", report.Sent).
		Int("confirmed", report.Confirmed).
		Int("retrying", report.Retrying).
		Int("failed", report.Failed).
		Msg("batch applied")
	w.updateDepth(ctx)
	return report, nil
}

// apply records one outcome. A confirmed create is reconciled before its
// entry is removed; a create that ends up failed fails its dependents first.
// An entry that no longer exists is skipped.
func (w *SyncWorker) apply(ctx context.Context, entry models.QueuedWrite, out models.OperationOutcome, requestID string, now time.Time) (retry.Decision, error) {
	if entry.Op == models.OpCreate {
		switch {
		case out.Kind == models.OutcomeConfirmed:
			if out.ServerID == "" {
				out.ServerID = entry.Target.LocalID
			}
			_, err := w.reconciler.ReconcileCreated(ctx, entry.EntityType, entry.Target.LocalID, out.ServerID)
			if errors.Is(err, models.ErrIdentityConflict) {
				w.logger.Error().Err(err).
					Str("local_id", entry.Target.LocalID).
					Str("server_id", out.ServerID).
					Msg("server reassigned identity")
			} else if err != nil {
				return retry.DecisionRetry, err
			}
		case out.Kind == models.OutcomeRejected,
			out.Kind == models.OutcomeTransient && w.cfg.Policy.Exhausted(entry.AttemptCount+1):
			if _, err := w.queue.FailDependents(ctx, entry.Target.LocalID, entry.OperationID); err != nil {
				return retry.DecisionRetry, err
			}
		}
	}

	decision, updated, err := w.queue.UpdateAfterAttempt(ctx, entry.ID, out, requestID, now)
	if queue.IsNotFound(err) {
		return decision, nil
	}
	if err != nil {
		return decision, err
	}

	metrics.IncOutcome(string(out.Kind))
	if decision == retry.DecisionFail {
		w.pushDeadLetter(ctx, updated)
	}
	return decision, nil
}

// Start runs cycles until ctx is done or Shutdown is called. Failed cycles
// back off exponentially; a queue with work left is drained without waiting.
func (w *SyncWorker) Start(ctx context.Context) {
	w.stateMu.Lock()
	if w.closed {
		w.stateMu.Unlock()
		return
	}
	w.running.Add(1)
	w.stateMu.Unlock()
	defer w.running.Done()

	w.logger.Info().Msg("sync worker started")
	defer w.logger.Info().Msg("sync worker stopped")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.Interval
	bo.MaxInterval = w.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		report, err := w.RunCycle(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			metrics.IncCycleError()
			wait = bo.NextBackOff()
			w.logger.Error().Err(err).Dur("backoff", wait).Msg("sync cycle failed")
		case report.Sent > 0:
			bo.Reset()
			continue
		default:
			bo.Reset()
			wait = w.idleWait(ctx)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.done:
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (w *SyncWorker) idleWait(ctx context.Context) time.Duration {
	wait := w.cfg.Interval
	now := w.now().UTC()
	next, err := w.queue.NextWake(ctx, now)
	if err != nil {
		return wait
	}
	if next.After(now) && next.Sub(now) < wait {
		wait = next.Sub(now)
	}
	return wait
}

// Shutdown stops the loop and waits for the running cycle to finish. Later
// Enqueue calls fail with models.ErrShutdown.
func (w *SyncWorker) Shutdown(ctx context.Context) error {
	w.stateMu.Lock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	w.stateMu.Unlock()

	stopped := make(chan struct{})
	go func() {
		w.running.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *SyncWorker) isClosed() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.closed
}

func (w *SyncWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *SyncWorker) updateDepth(ctx context.Context) {
	st, err := w.queue.Stats(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("queue stats unavailable")
		return
	}
	metrics.SetQueueDepth(w.scope.String(), map[string]int{
		string(models.StatusPending):         st.Pending,
		string(models.StatusRetrying):        st.Retrying,
		string(models.StatusFailedPermanent): st.Failed,
	})
}

func (w *SyncWorker) pushDeadLetter(ctx context.Context, entry *models.QueuedWrite) {
	if w.redis == nil || entry == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		w.logger.Warn().Err(err).Str("operation_id", entry.OperationID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Warn().Err(err).Str("operation_id", entry.OperationID).Msg("deadletter push failed")
	}
}

// uniformResult turns a whole-batch transport failure into per-operation
// outcomes: a permanent rejection rejects every operation, anything else is
// transient.
func uniformResult(batch []models.QueuedWrite, err error) models.BatchResult {
	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].OperationID
	}
	var rej *models.PermanentRejection
	if errors.As(err, &rej) {
		return models.UniformResult(ids, models.OutcomeRejected, rej.Reason)
	}
	return models.UniformResult(ids, models.OutcomeTransient, err.Error())
}
