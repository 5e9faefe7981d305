package notifier

import (
	"context"
	"sync"

	"github.com/mesh-research/remote-api-notifier/internal/delivery"
	"github.com/mesh-research/remote-api-notifier/internal/entity"
	"github.com/mesh-research/remote-api-notifier/internal/guard"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
)

// Tracked lifecycle methods. The dispatch surface is a fixed table keyed by
// these names; nothing is generated at runtime from configuration keys.
const (
	MethodCreate        = "create"
	MethodUpdate        = "update"
	MethodPublish       = "publish"
	MethodDelete        = "delete"
	MethodDeleteRecord  = "delete_record"
	MethodRestore       = "restore"
	MethodRestoreRecord = "restore_record"
)

// LifecycleMethods is the full set of dispatchable lifecycle method names.
var LifecycleMethods = map[string]struct{}{
	MethodCreate:        {},
	MethodUpdate:        {},
	MethodPublish:       {},
	MethodDelete:        {},
	MethodDeleteRecord:  {},
	MethodRestore:       {},
	MethodRestoreRecord: {},
}

// UnitOfWork is the host's transactional scope for one lifecycle operation.
// Hooks registered with AfterCommit run only if the host commits; a rolled
// back transaction dispatches nothing.
type UnitOfWork interface {
	AfterCommit(fn func(ctx context.Context))
}

// Immediate is a UnitOfWork that runs hooks inline, for hosts without
// transactions and for tests.
type Immediate struct{}

// AfterCommit implements UnitOfWork.
func (Immediate) AfterCommit(fn func(ctx context.Context)) {
	fn(context.Background())
}

// Scheduler hands dispatch events to the asynchronous delivery mechanism.
// Implemented by delivery.Pool (in-process) and delivery.NSQPublisher
// (distributed).
type Scheduler interface {
	Submit(ctx context.Context, ev delivery.DispatchEvent)
}

// Recorder captures which (entity type, lifecycle method) pairs were about
// to fire while mock mode is enabled, for assertion in tests.
type Recorder struct {
	mu    sync.Mutex
	fired []string
}

// Record notes one would-be dispatch as "entityType|method".
func (r *Recorder) Record(entityType, method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, entityType+"|"+method)
}

// Fired returns the recorded pairs in order.
func (r *Recorder) Fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.fired))
	copy(out, r.fired)
	return out
}

// Reset clears the recorded pairs.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = nil
}

// Notifier is the host-facing surface of the outbound notifier. The host's
// service layer calls Dispatch (or a per-method helper) after its own
// persistence step, passing its unit of work so delivery is scheduled only
// on commit. All collaborators are injected; nothing is read from ambient
// state.
type Notifier struct {
	guard     *guard.Guard
	scheduler Scheduler
	logger    *logging.Logger
	mockMode  bool
	recorder  *Recorder
}

// New wires a notifier. The recorder is only consulted in mock mode and may
// be nil otherwise.
func New(g *guard.Guard, scheduler Scheduler, logger *logging.Logger, mockMode bool, recorder *Recorder) *Notifier {
	if mockMode && recorder == nil {
		recorder = &Recorder{}
	}
	return &Notifier{
		guard:     g,
		scheduler: scheduler,
		logger:    logger,
		mockMode:  mockMode,
		recorder:  recorder,
	}
}

// Recorder returns the mock-mode recorder, nil unless mock mode is on.
func (n *Notifier) Recorder() *Recorder {
	return n.recorder
}

// Dispatch evaluates one lifecycle call and registers delivery of the
// resulting events to run after the unit of work commits. It never returns
// an error to the host: unknown methods and configuration misses are logged
// no-ops, and delivery failures stay inside the asynchronous execution
// context.
func (n *Notifier) Dispatch(ctx context.Context, uow UnitOfWork, entityType, method string, id entity.Identity, rec, prior entity.Snapshot, extra map[string]any) {
	if _, ok := LifecycleMethods[method]; !ok {
		n.logger.WithContext(ctx).WithMethod(method).Warn("unknown lifecycle method, ignoring")
		return
	}

	// Derived publication/version flags arrive in extra because they are
	// properties of the live record object, not part of its serialization.
	// They are merged into the snapshot for payload builders and stripped
	// again before any callback runs.
	derived, rest := entity.ExtractDerived(extra)
	snapshot := rec.WithDerived(derived)

	events := n.guard.Evaluate(ctx, entityType, method, id, snapshot, prior, rest)
	if len(events) == 0 {
		return
	}

	if n.mockMode {
		for range events {
			n.recorder.Record(entityType, method)
		}
		return
	}

	uow.AfterCommit(func(ctx context.Context) {
		for _, ev := range events {
			n.scheduler.Submit(ctx, ev)
		}
	})
}

// Hooks binds the notifier to one entity type, giving the host a typed
// lifecycle surface to register in its service pipeline.
type Hooks struct {
	notifier   *Notifier
	entityType string
}

// ForEntity returns the lifecycle hook surface for an entity type.
func (n *Notifier) ForEntity(entityType string) *Hooks {
	return &Hooks{notifier: n, entityType: entityType}
}

func (h *Hooks) dispatch(ctx context.Context, uow UnitOfWork, method string, id entity.Identity, rec, prior entity.Snapshot, extra map[string]any) {
	h.notifier.Dispatch(ctx, uow, h.entityType, method, id, rec, prior, extra)
}

// Create fires the create lifecycle hook.
func (h *Hooks) Create(ctx context.Context, uow UnitOfWork, id entity.Identity, rec entity.Snapshot, extra map[string]any) {
	h.dispatch(ctx, uow, MethodCreate, id, rec, nil, extra)
}

// Update fires the update lifecycle hook.
func (h *Hooks) Update(ctx context.Context, uow UnitOfWork, id entity.Identity, rec, prior entity.Snapshot, extra map[string]any) {
	h.dispatch(ctx, uow, MethodUpdate, id, rec, prior, extra)
}

// Publish fires the publish lifecycle hook.
func (h *Hooks) Publish(ctx context.Context, uow UnitOfWork, id entity.Identity, rec, draft entity.Snapshot, extra map[string]any) {
	h.dispatch(ctx, uow, MethodPublish, id, rec, draft, extra)
}

// Delete fires the delete lifecycle hook.
func (h *Hooks) Delete(ctx context.Context, uow UnitOfWork, id entity.Identity, rec entity.Snapshot, extra map[string]any) {
	h.dispatch(ctx, uow, MethodDelete, id, rec, nil, extra)
}

// DeleteRecord fires the delete_record lifecycle hook.
func (h *Hooks) DeleteRecord(ctx context.Context, uow UnitOfWork, id entity.Identity, rec entity.Snapshot, extra map[string]any) {
	h.dispatch(ctx, uow, MethodDeleteRecord, id, rec, nil, extra)
}

// Restore fires the restore lifecycle hook.
func (h *Hooks) Restore(ctx context.Context, uow UnitOfWork, id entity.Identity, rec entity.Snapshot, extra map[string]any) {
	h.dispatch(ctx, uow, MethodRestore, id, rec, nil, extra)
}

// RestoreRecord fires the restore_record lifecycle hook.
func (h *Hooks) RestoreRecord(ctx context.Context, uow UnitOfWork, id entity.Identity, rec entity.Snapshot, extra map[string]any) {
	h.dispatch(ctx, uow, MethodRestoreRecord, id, rec, nil, extra)
}
