package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"hearthsync/internal/domain"
	"hearthsync/internal/events"
	"hearthsync/internal/metrics"
	"hearthsync/internal/models"
	"hearthsync/internal/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InFlightChecker reports the operation ids currently held by open checkpoints.
type InFlightChecker interface {
	InFlight(ctx context.Context) (map[string]bool, error)
}

// Disposition tells the caller what Enqueue did with the request.
type Disposition string

const (
	Queued    Disposition = "queued"
	Coalesced Disposition = "coalesced"
	// Cancelled means a delete met a create that was never sent; both are gone.
	Cancelled Disposition = "cancelled"
)

// Receipt is the result of Enqueue.
type Receipt struct {
	models.QueuedWrite
	Disposition Disposition
	// Removed lists the ids dropped by a cancellation.
	Removed []string
}

// Stats summarizes the queue of one account.
type Stats struct {
	Pending       int
	Retrying      int
	Failed        int
	ByEntity      map[string]int
	OldestPending *time.Time
}

// Manager is the write queue of a single account scope. Every mutation is
// persisted before the call returns; nothing is cached in memory.
type Manager struct {
	store    domain.RecordStore
	scope    models.Scope
	policy   retry.Policy
	inflight InFlightChecker
	events   domain.EventPublisher
	logger   *zerolog.Logger
	now      func() time.Time

	// mu serializes enqueue-side mutations with batch claiming.
	mu sync.Mutex
}

type Option func(*Manager)

func WithInFlight(c InFlightChecker) Option {
	return func(m *Manager) { m.inflight = c }
}

func WithEvents(p domain.EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store domain.RecordStore, scope models.Scope, policy retry.Policy, logger *zerolog.Logger, opts ...Option) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "queue").Logger()
	m := &Manager{
		store:  store,
		scope:  scope,
		policy: policy,
		logger: &l,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Scope() models.Scope { return m.scope }

func (m *Manager) Policy() retry.Policy { return m.policy }

// Enqueue records a new mutation. Updates and deletes that repeat a mutation
// nobody has sent yet are coalesced into the existing entry; a delete of an
// entity whose create never reached the server cancels both locally.
func (m *Manager) Enqueue(ctx context.Context, entityType string, op models.Op, target models.QueueTargetID, payload json.RawMessage) (*Receipt, error) {
	if entityType == "" || !op.Valid() || target.LocalID == "" {
		return nil, fmt.Errorf("%w: entity=%q op=%q local_id=%q", models.ErrInvalidWrite, entityType, op, target.LocalID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	inflight, err := m.inFlight(ctx)
	if err != nil {
		return nil, err
	}

	if target.ServerID == "" {
		serverID, err := m.serverIDFor(ctx, target.LocalID)
		if err != nil {
			return nil, err
		}
		target.ServerID = serverID
	}

	now := monotonic(entries, m.now().UTC())

	if op != models.OpCreate {
		if existing := coalesceCandidate(entries, inflight, target.LocalID, op); existing != nil {
			updated := *existing
			updated.Payload = cloneRaw(payload)
			updated.ClientTimestamp = now
			if updated.Target.ServerID == "" {
				updated.Target.ServerID = target.ServerID
			}
			if err := m.save(ctx, &updated); err != nil {
				return nil, err
			}
			m.logger.Debug().
				Str("operation_id", updated.OperationID).
				Str("local_id", target.LocalID).
				Msg("coalesced write")
			m.publish(events.EventWriteCoalesced, &updated)
			return &Receipt{QueuedWrite: updated, Disposition: Coalesced}, nil
		}
	}

	w := models.QueuedWrite{
		ID:              uuid.NewString(),
		OperationID:     uuid.NewString(),
		EntityType:      entityType,
		Op:              op,
		Target:          target,
		Payload:         cloneRaw(payload),
		ClientTimestamp: now,
		Status:          models.StatusPending,
	}

	if op == models.OpDelete && target.ServerID == "" {
		if !hasCreate(entries, target.LocalID) || cancellableCreate(entries, inflight, target.LocalID) != nil {
			return m.cancel(ctx, &w, entries, inflight)
		}
	}
	if op != models.OpCreate && target.ServerID == "" {
		if create := failedCreate(entries, target.LocalID); create != nil {
			retry.FailDependent(&w, create.OperationID)
		}
	}

	if err := m.save(ctx, &w); err != nil {
		return nil, err
	}

	metrics.IncEnqueued(entityType, string(op))
	m.logger.Debug().
		Str("operation_id", w.OperationID).
		Str("entity_type", entityType).
		Str("op", string(op)).
		Str("local_id", target.LocalID).
		Msg("enqueued write")
	eventType := events.EventWriteEnqueued
	if w.Status == models.StatusFailedPermanent {
		eventType = events.EventWriteFailed
	}
	m.publish(eventType, &w)
	return &Receipt{QueuedWrite: w, Disposition: Queued}, nil
}

// cancel removes a never-sent create together with everything queued against
// its local id. The delete is persisted first and removed last so Compact can
// finish the job after a crash at any step.
func (m *Manager) cancel(ctx context.Context, del *models.QueuedWrite, entries []models.QueuedWrite, inflight map[string]bool) (*Receipt, error) {
	if err := m.save(ctx, del); err != nil {
		return nil, err
	}

	removed, err := m.removeLocal(ctx, entries, inflight, del.Target.LocalID)
	if err != nil {
		return nil, err
	}
	if err := m.drop(ctx, del.ID); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("local_id", del.Target.LocalID).
		Int("removed", len(removed)).
		Msg("create and delete cancelled locally")
	m.publish(events.EventWriteCancelled, del)
	return &Receipt{QueuedWrite: *del, Disposition: Cancelled, Removed: removed}, nil
}

// removeLocal drops the create for localID first, then the entries that were
// waiting on it.
func (m *Manager) removeLocal(ctx context.Context, entries []models.QueuedWrite, inflight map[string]bool, localID string) ([]string, error) {
	var removed []string
	for _, pass := range []bool{true, false} {
		for i := range entries {
			w := &entries[i]
			if w.Target.LocalID != localID || inflight[w.OperationID] || (w.Op == models.OpCreate) != pass {
				continue
			}
			if !pass && w.Target.ServerID != "" {
				continue
			}
			if err := m.drop(ctx, w.ID); err != nil {
				return removed, err
			}
			removed = append(removed, w.ID)
		}
	}
	return removed, nil
}

// ListPending returns PENDING and RETRYING entries oldest first. An empty
// entityType means every kind.
func (m *Manager) ListPending(ctx context.Context, entityType string) ([]models.QueuedWrite, error) {
	return m.list(ctx, func(w *models.QueuedWrite) bool {
		return w.Status.Active() && (entityType == "" || w.EntityType == entityType)
	})
}

// ListFailed returns FAILED_PERMANENT entries oldest first.
func (m *Manager) ListFailed(ctx context.Context) ([]models.QueuedWrite, error) {
	return m.list(ctx, func(w *models.QueuedWrite) bool {
		return w.Status == models.StatusFailedPermanent
	})
}

// ListAll returns every entry of the scope regardless of status.
func (m *Manager) ListAll(ctx context.Context) ([]models.QueuedWrite, error) {
	return m.loadAll(ctx)
}

func (m *Manager) list(ctx context.Context, keep func(*models.QueuedWrite) bool) ([]models.QueuedWrite, error) {
	entries, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for i := range entries {
		if keep(&entries[i]) {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*models.QueuedWrite, error) {
	return m.load(ctx, id)
}

// Remove deletes a confirmed entry. Removing an absent id is not an error.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drop(ctx, id)
}

// UpdateAfterAttempt applies one transmission outcome to the entry. A
// confirmed entry is removed. models.ErrNotFound is returned when the entry
// no longer exists.
func (m *Manager) UpdateAfterAttempt(ctx context.Context, id string, outcome models.OperationOutcome, requestID string, now time.Time) (retry.Decision, *models.QueuedWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.load(ctx, id)
	if err != nil {
		return retry.DecisionRetry, nil, err
	}

	decision := m.policy.Apply(w, outcome, now.UTC())
	if requestID != "" {
		w.RequestID = &requestID
	}

	if decision == retry.DecisionRemove {
		if err := m.drop(ctx, id); err != nil {
			return decision, nil, err
		}
		m.publish(events.EventWriteConfirmed, w)
		return decision, w, nil
	}

	if err := m.save(ctx, w); err != nil {
		return decision, nil, err
	}

	log := m.logger.Warn()
	eventType := events.EventWriteFailed
	if decision == retry.DecisionRetry {
		log = m.logger.Debug()
		eventType = events.EventWriteRetryScheduled
	}
	log.Str("operation_id", w.OperationID).
		Str("request_id", requestID).
		Int("attempt", w.AttemptCount).
		Str("status", string(w.Status)).
		Str("error", deref(w.LastError)).
		Msg("write attempt recorded")
	m.publish(eventType, w)
	return decision, w, nil
}

// FailDependents marks every active, serverId-less non-create entry of
// localID as permanently failed after its create failed.
func (m *Manager) FailDependents(ctx context.Context, localID, createOpID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.loadAll(ctx)
	if err != nil {
		return 0, err
	}

	failed := 0
	for i := range entries {
		w := &entries[i]
		if w.Target.LocalID != localID || w.Op == models.OpCreate || w.Target.ServerID != "" || !w.Status.Active() {
			continue
		}
		retry.FailDependent(w, createOpID)
		if err := m.save(ctx, w); err != nil {
			return failed, err
		}
		failed++
		m.publish(events.EventWriteFailed, w)
	}
	return failed, nil
}

// Discard removes a FAILED_PERMANENT entry at the user's request. Discarding
// a failed create also discards the failed entries that depended on it.
func (m *Manager) Discard(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != models.StatusFailedPermanent {
		return fmt.Errorf("%w: %s is %s", models.ErrNotDiscardable, id, w.Status)
	}

	if w.Op == models.OpCreate {
		entries, err := m.loadAll(ctx)
		if err != nil {
			return err
		}
		for i := range entries {
			dep := &entries[i]
			if dep.ID == w.ID || dep.Target.LocalID != w.Target.LocalID || dep.Target.ServerID != "" || dep.Status != models.StatusFailedPermanent {
				continue
			}
			if err := m.drop(ctx, dep.ID); err != nil {
				return err
			}
			m.publish(events.EventWriteDiscarded, dep)
		}
	}

	if err := m.drop(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("operation_id", w.OperationID).Msg("discarded failed write")
	m.publish(events.EventWriteDiscarded, w)
	return nil
}

// Requeue gives a FAILED_PERMANENT entry a fresh set of attempts. Its
// operationId is kept so the server can still detect a duplicate. Requeueing
// a create also requeues the failed entries waiting on its server id.
func (m *Manager) Requeue(ctx context.Context, id string) (*models.QueuedWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.StatusFailedPermanent {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrNotDiscardable, id, w.Status)
	}

	// the create goes first so a crash never leaves a dependent active
	// behind a failed create
	if err := m.revive(ctx, w); err != nil {
		return nil, err
	}
	if w.Op == models.OpCreate {
		entries, err := m.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			dep := &entries[i]
			if dep.Op == models.OpCreate || dep.Target.LocalID != w.Target.LocalID || dep.Target.ServerID != "" || dep.Status != models.StatusFailedPermanent {
				continue
			}
			if err := m.revive(ctx, dep); err != nil {
				return nil, err
			}
		}
	}
	return w, nil
}

func (m *Manager) revive(ctx context.Context, w *models.QueuedWrite) error {
	w.Status = models.StatusPending
	w.AttemptCount = 0
	w.LastAttemptAt = nil
	w.LastError = nil
	w.Exhausted = false
	if err := m.save(ctx, w); err != nil {
		return err
	}
	m.publish(events.EventWriteEnqueued, w)
	return nil
}

// RewriteTarget stamps serverID onto every non-create entry of localID that
// does not carry one yet. Each rewrite is a single record put and safe to redo.
func (m *Manager) RewriteTarget(ctx context.Context, localID, serverID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	return m.rewrite(ctx, entries, localID, serverID)
}

func (m *Manager) rewrite(ctx context.Context, entries []models.QueuedWrite, localID, serverID string) (int, error) {
	n := 0
	for i := range entries {
		w := &entries[i]
		if w.Target.LocalID != localID || w.Op == models.OpCreate || w.Target.ServerID != "" {
			continue
		}
		w.Target.ServerID = serverID
		if err := m.save(ctx, w); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Claim selects the next batch and hands it to open while holding the
// enqueue lock, so no coalescing can touch an entry between selection and
// the checkpoint being written. An empty queue yields a nil batch and open
// is not called.
func (m *Manager) Claim(ctx context.Context, limit int, now time.Time, open func(batch []models.QueuedWrite) error) ([]models.QueuedWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	inflight, err := m.inFlight(ctx)
	if err != nil {
		return nil, err
	}
	if len(inflight) > 0 {
		filtered := entries[:0]
		for _, w := range entries {
			if !inflight[w.OperationID] {
				filtered = append(filtered, w)
			}
		}
		entries = filtered
	}

	batch := m.policy.SelectBatch(entries, now, limit)
	if len(batch) == 0 {
		return nil, nil
	}
	if err := open(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// NextWake returns when the earliest backing-off entry becomes eligible.
func (m *Manager) NextWake(ctx context.Context, now time.Time) (time.Time, error) {
	entries, err := m.loadAll(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return m.policy.NextWake(entries, now), nil
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	entries, err := m.loadAll(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{ByEntity: make(map[string]int)}
	for i := range entries {
		w := &entries[i]
		switch w.Status {
		case models.StatusPending:
			st.Pending++
		case models.StatusRetrying:
			st.Retrying++
		case models.StatusFailedPermanent:
			st.Failed++
		}
		if w.Status.Active() {
			st.ByEntity[w.EntityType]++
			if st.OldestPending == nil {
				ts := w.ClientTimestamp
				st.OldestPending = &ts
			}
		}
	}
	return st, nil
}

// Compact finishes work a crash may have left half done: cancellations whose
// delete intent is still stored, and identity rewrites that did not reach
// every entry. A serverId-less delete is treated as a cancellation intent when
// its create is gone or would still be cancellable. It returns the number of
// records touched.
func (m *Manager) Compact(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	inflight, err := m.inFlight(ctx)
	if err != nil {
		return 0, err
	}

	touched := 0
	handled := make(map[string]bool)
	for i := range entries {
		w := &entries[i]
		local := w.Target.LocalID
		if handled[local] || w.Target.ServerID != "" || w.Op == models.OpCreate || inflight[w.OperationID] {
			continue
		}

		serverID, err := m.serverIDFor(ctx, local)
		if err != nil {
			return touched, err
		}
		if serverID != "" {
			handled[local] = true
			n, err := m.rewrite(ctx, entries, local, serverID)
			touched += n
			if err != nil {
				return touched, err
			}
			continue
		}

		if w.Op == models.OpDelete && (!hasCreate(entries, local) || cancellableCreate(entries, inflight, local) != nil) {
			handled[local] = true
			removed, err := m.removeLocal(ctx, entries, inflight, local)
			touched += len(removed)
			if err != nil {
				return touched, err
			}
			m.logger.Info().Str("local_id", local).Int("removed", len(removed)).Msg("finished interrupted cancellation")
		}
	}
	return touched, nil
}

func (m *Manager) publish(eventType string, w *models.QueuedWrite) {
	if m.events == nil {
		return
	}
	payload := events.WritePayload{
		UserID:       m.scope.UserID,
		HouseholdID:  m.scope.HouseholdID,
		WriteID:      w.ID,
		OperationID:  w.OperationID,
		EntityType:   w.EntityType,
		Op:           string(w.Op),
		LocalID:      w.Target.LocalID,
		ServerID:     w.Target.ServerID,
		Status:       string(w.Status),
		AttemptCount: w.AttemptCount,
		Error:        deref(w.LastError),
	}
	if err := m.events.PublishJSON(eventType, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}

// coalesceCandidate returns the entry a new update/delete may overwrite: the
// latest entry of localID, with the same op, never attempted and not in flight.
func coalesceCandidate(entries []models.QueuedWrite, inflight map[string]bool, localID string, op models.Op) *models.QueuedWrite {
	var last *models.QueuedWrite
	for i := range entries {
		if entries[i].Target.LocalID == localID {
			last = &entries[i]
		}
	}
	if last == nil || last.Op != op || last.AttemptCount != 0 || !last.Status.Active() || inflight[last.OperationID] {
		return nil
	}
	return last
}

// cancellableCreate finds a create for localID the server has provably not
// applied: never attempted, or rejected outright.
func cancellableCreate(entries []models.QueuedWrite, inflight map[string]bool, localID string) *models.QueuedWrite {
	for i := range entries {
		w := &entries[i]
		if w.Op != models.OpCreate || w.Target.LocalID != localID || inflight[w.OperationID] {
			continue
		}
		if w.AttemptCount == 0 || rejected(w) {
			return w
		}
	}
	return nil
}

// failedCreate returns the FAILED_PERMANENT create of localID, if any.
func failedCreate(entries []models.QueuedWrite, localID string) *models.QueuedWrite {
	for i := range entries {
		w := &entries[i]
		if w.Op == models.OpCreate && w.Target.LocalID == localID && w.Status == models.StatusFailedPermanent {
			return w
		}
	}
	return nil
}

func hasCreate(entries []models.QueuedWrite, localID string) bool {
	for i := range entries {
		if entries[i].Op == models.OpCreate && entries[i].Target.LocalID == localID {
			return true
		}
	}
	return false
}

func rejected(w *models.QueuedWrite) bool {
	return w.Status == models.StatusFailedPermanent && !w.Exhausted
}

// monotonic keeps enqueue order even when the clock stalls or steps back.
func monotonic(sorted []models.QueuedWrite, now time.Time) time.Time {
	if len(sorted) == 0 {
		return now
	}
	if last := sorted[len(sorted)-1].ClientTimestamp; !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// IsNotFound reports whether err means the entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
