package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mesh-research/remote-api-notifier/internal/config"
	"github.com/mesh-research/remote-api-notifier/internal/delivery"
	"github.com/mesh-research/remote-api-notifier/internal/directory"
	"github.com/mesh-research/remote-api-notifier/internal/entity"
	"github.com/mesh-research/remote-api-notifier/internal/guard"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
	"github.com/mesh-research/remote-api-notifier/internal/request"
	"github.com/mesh-research/remote-api-notifier/internal/router"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
)

// inlineScheduler delivers synchronously so tests observe the full pipeline
// without goroutine coordination.
type inlineScheduler struct {
	d *delivery.Deliverer
}

func (s inlineScheduler) Submit(ctx context.Context, ev delivery.DispatchEvent) {
	s.d.Deliver(ctx, ev)
}

// captureScheduler records submitted events without delivering them.
type captureScheduler struct {
	mu     sync.Mutex
	events []delivery.DispatchEvent
}

func (s *captureScheduler) Submit(_ context.Context, ev delivery.DispatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureScheduler) all() []delivery.DispatchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery.DispatchEvent(nil), s.events...)
}

// deferredUnitOfWork models a host transaction: hooks run only when Commit
// is called.
type deferredUnitOfWork struct {
	hooks []func(ctx context.Context)
}

func (u *deferredUnitOfWork) AfterCommit(fn func(ctx context.Context)) {
	u.hooks = append(u.hooks, fn)
}

func (u *deferredUnitOfWork) Commit() {
	for _, fn := range u.hooks {
		fn(context.Background())
	}
	u.hooks = nil
}

func publicWork(id string) entity.Snapshot {
	return entity.Snapshot{
		"id": id,
		"access": map[string]any{
			"record": "public",
		},
		"metadata": map[string]any{
			"title": "A Work",
		},
	}
}

func testDeliveryConfig() config.Delivery {
	return config.Delivery{
		MaxAttempts:     2,
		BackoffSchedule: []time.Duration{time.Millisecond},
		HTTPTimeout:     2 * time.Second,
		Concurrency:     1,
	}
}

func TestNotifier_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"_id": "abc123"}`))
	}))
	defer server.Close()

	reg := rules.New()
	reg.Add("work", server.URL, MethodPublish, rules.Rule{
		HTTPMethod: "POST",
		PayloadBuilder: func(id entity.Identity, rec entity.Snapshot, owner, extra map[string]any) (map[string]any, error) {
			return map[string]any{
				"title":        rec.GetString("metadata.title"),
				"is_published": rec["is_published"],
			}, nil
		},
		CallbackKey: "record_id_saver",
	})

	// The callback stands in for the host writing the remote id back onto
	// the record through its own service layer.
	var mu sync.Mutex
	saved := map[string]string{}
	reg.RegisterCallback("record_id_saver", func(ctx context.Context, cc rules.CallbackContext) error {
		resp := cc.Response.(map[string]any)
		mu.Lock()
		saved[cc.Entity.ID()] = resp["_id"].(string)
		mu.Unlock()

		if _, ok := cc.Entity["is_published"]; ok {
			t.Errorf("callback entity still carries derived field: %v", cc.Entity)
		}
		return nil
	})

	logger := logging.New("notifier-test")
	dir := &directory.StaticClient{}
	rt := router.New(reg, logger)
	deliverer := delivery.NewDeliverer(reg, request.NewBuilder(dir), dir, rt, nil, logger, testDeliveryConfig())

	g := guard.New(reg, 5*time.Second, logger)
	n := New(g, inlineScheduler{d: deliverer}, logger, false, nil)

	n.ForEntity("work").Publish(context.Background(), Immediate{}, entity.System, publicWork("rec-123"), nil, map[string]any{
		"is_published": true,
	})

	if drained := rt.Drain(context.Background()); drained != 1 {
		t.Fatalf("router drained %d outcomes, want 1", drained)
	}

	mu.Lock()
	defer mu.Unlock()
	if saved["rec-123"] != "abc123" {
		t.Errorf("saved remote id = %q, want abc123", saved["rec-123"])
	}
}

func TestNotifier_Dispatch_UnknownMethod(t *testing.T) {
	reg := rules.New()
	reg.Add("work", "https://hub.example.org/api", "publish", rules.Rule{HTTPMethod: "POST"})

	logger := logging.New("notifier-test")
	sched := &captureScheduler{}
	n := New(guard.New(reg, 5*time.Second, logger), sched, logger, false, nil)

	n.Dispatch(context.Background(), Immediate{}, "work", "reindex", entity.System, publicWork("rec-123"), nil, nil)

	if len(sched.all()) != 0 {
		t.Errorf("scheduler received %d events for unknown method, want 0", len(sched.all()))
	}
}

func TestNotifier_Dispatch_DerivedFlagsVisibleToGuard(t *testing.T) {
	reg := rules.New()
	reg.Add("work", "https://hub.example.org/api", MethodPublish, rules.Rule{HTTPMethod: "POST"})

	logger := logging.New("notifier-test")
	sched := &captureScheduler{}
	n := New(guard.New(reg, 5*time.Second, logger), sched, logger, false, nil)

	n.Dispatch(context.Background(), Immediate{}, "work", MethodPublish, entity.System, publicWork("rec-123"), nil, map[string]any{
		"is_published": true,
		"urls":         map[string]any{"record": "https://works.example.org/rec-123"},
	})

	events := sched.all()
	if len(events) != 1 {
		t.Fatalf("scheduler received %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Entity["is_published"] != true {
		t.Errorf("snapshot missing derived flag: %v", ev.Entity)
	}
	if _, ok := ev.Extra["is_published"]; ok {
		t.Errorf("derived flag left in extra: %v", ev.Extra)
	}
	if !reflect.DeepEqual(ev.Extra, map[string]any{"urls": map[string]any{"record": "https://works.example.org/rec-123"}}) {
		t.Errorf("extra = %v", ev.Extra)
	}
}

func TestNotifier_Dispatch_WaitsForCommit(t *testing.T) {
	reg := rules.New()
	reg.Add("work", "https://hub.example.org/api", MethodPublish, rules.Rule{HTTPMethod: "POST"})

	logger := logging.New("notifier-test")
	sched := &captureScheduler{}
	n := New(guard.New(reg, 5*time.Second, logger), sched, logger, false, nil)

	uow := &deferredUnitOfWork{}
	n.Dispatch(context.Background(), uow, "work", MethodPublish, entity.System, publicWork("rec-123"), nil, nil)

	if len(sched.all()) != 0 {
		t.Fatalf("scheduler received events before commit")
	}
	uow.Commit()
	if len(sched.all()) != 1 {
		t.Errorf("scheduler received %d events after commit, want 1", len(sched.all()))
	}
}

func TestNotifier_MockMode(t *testing.T) {
	reg := rules.New()
	reg.Add("work", "https://hub.example.org/api", MethodPublish, rules.Rule{HTTPMethod: "POST"})
	reg.Add("work", "https://hub.example.org/api", MethodUpdate, rules.Rule{HTTPMethod: "PUT"})

	logger := logging.New("notifier-test")
	sched := &captureScheduler{}
	n := New(guard.New(reg, 5*time.Second, logger), sched, logger, true, nil)

	hooks := n.ForEntity("work")
	hooks.Publish(context.Background(), Immediate{}, entity.System, publicWork("rec-1"), nil, nil)
	hooks.Update(context.Background(), Immediate{}, entity.System, publicWork("rec-2"), nil, nil)

	if len(sched.all()) != 0 {
		t.Errorf("scheduler received %d events in mock mode, want 0", len(sched.all()))
	}

	want := []string{"work|publish", "work|update"}
	if got := n.Recorder().Fired(); !reflect.DeepEqual(got, want) {
		t.Errorf("Recorder().Fired() = %v, want %v", got, want)
	}

	n.Recorder().Reset()
	if got := n.Recorder().Fired(); len(got) != 0 {
		t.Errorf("Fired() after Reset = %v, want empty", got)
	}
}

func TestNotifier_Hooks_AllMethods(t *testing.T) {
	reg := rules.New()
	endpoint := "https://hub.example.org/api"
	for m := range LifecycleMethods {
		reg.Add("work", endpoint, m, rules.Rule{HTTPMethod: "POST"})
	}

	logger := logging.New("notifier-test")
	sched := &captureScheduler{}
	n := New(guard.New(reg, 5*time.Second, logger), sched, logger, false, nil)

	hooks := n.ForEntity("work")
	rec := publicWork("rec-123")
	uow := Immediate{}

	hooks.Create(context.Background(), uow, entity.System, rec, nil)
	hooks.Update(context.Background(), uow, entity.System, rec, nil, nil)
	hooks.Publish(context.Background(), uow, entity.System, rec, nil, nil)
	hooks.Delete(context.Background(), uow, entity.System, rec, nil)
	hooks.DeleteRecord(context.Background(), uow, entity.System, rec, nil)
	hooks.Restore(context.Background(), uow, entity.System, rec, nil)
	hooks.RestoreRecord(context.Background(), uow, entity.System, rec, nil)

	events := sched.all()
	if len(events) != len(LifecycleMethods) {
		t.Fatalf("scheduler received %d events, want %d", len(events), len(LifecycleMethods))
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Method] = true
	}
	for m := range LifecycleMethods {
		if !seen[m] {
			t.Errorf("no event for lifecycle method %q", m)
		}
	}
}
