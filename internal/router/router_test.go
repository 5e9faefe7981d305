package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mesh-research/remote-api-notifier/internal/delivery"
	"github.com/mesh-research/remote-api-notifier/internal/entity"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
)

const testEndpoint = "https://hub.example.org/api/works"

func testOutcome() delivery.Outcome {
	return delivery.Outcome{
		Response:   map[string]any{"_id": "abc123"},
		Status:     200,
		Endpoint:   testEndpoint,
		EntityType: "work",
		Method:     "publish",
		RequestURL: testEndpoint + "/rec-123",
		Entity:     entity.Snapshot{"id": "rec-123"},
	}
}

func TestRouter_DrainEmpty(t *testing.T) {
	r := New(rules.New(), logging.New("router-test"))
	if got := r.Drain(context.Background()); got != 0 {
		t.Errorf("Drain() on empty queue = %d, want 0", got)
	}
}

func TestRouter_PublishAndDrain(t *testing.T) {
	reg := rules.New()
	reg.Add("work", testEndpoint, "publish", rules.Rule{HTTPMethod: "POST", CallbackKey: "record_saver"})

	var got []rules.CallbackContext
	reg.RegisterCallback("record_saver", func(ctx context.Context, cc rules.CallbackContext) error {
		got = append(got, cc)
		return nil
	})

	r := New(reg, logging.New("router-test"))
	r.Publish(context.Background(), testOutcome())
	r.Publish(context.Background(), testOutcome())

	if n := r.Drain(context.Background()); n != 2 {
		t.Fatalf("Drain() = %d, want 2", n)
	}
	if len(got) != 2 {
		t.Fatalf("callback invoked %d times, want 2", len(got))
	}

	cc := got[0]
	if resp, ok := cc.Response.(map[string]any); !ok || resp["_id"] != "abc123" {
		t.Errorf("callback Response = %v", cc.Response)
	}
	if cc.EntityType != "work" || cc.Method != "publish" {
		t.Errorf("callback context type/method = %s/%s", cc.EntityType, cc.Method)
	}
	if cc.RequestURL != testEndpoint+"/rec-123" {
		t.Errorf("callback RequestURL = %q", cc.RequestURL)
	}

	// A drained outcome is never reprocessed.
	if n := r.Drain(context.Background()); n != 0 {
		t.Errorf("second Drain() = %d, want 0", n)
	}
}

func TestRouter_NoRuleMatchesOutcome(t *testing.T) {
	reg := rules.New()
	called := false
	reg.RegisterCallback("record_saver", func(ctx context.Context, cc rules.CallbackContext) error {
		called = true
		return nil
	})

	r := New(reg, logging.New("router-test"))
	r.Publish(context.Background(), testOutcome())
	r.Drain(context.Background())

	if called {
		t.Error("callback invoked for an outcome with no matching rule")
	}
}

func TestRouter_UnregisteredCallbackKey(t *testing.T) {
	reg := rules.New()
	reg.Add("work", testEndpoint, "publish", rules.Rule{HTTPMethod: "POST", CallbackKey: "record_saver"})

	r := New(reg, logging.New("router-test"))
	r.Publish(context.Background(), testOutcome())

	// Must not panic; the outcome is logged and dropped.
	if n := r.Drain(context.Background()); n != 1 {
		t.Errorf("Drain() = %d, want 1", n)
	}
}

func TestRouter_CallbackErrorDoesNotStopBatch(t *testing.T) {
	reg := rules.New()
	reg.Add("work", testEndpoint, "publish", rules.Rule{HTTPMethod: "POST", CallbackKey: "record_saver"})

	var invocations int
	reg.RegisterCallback("record_saver", func(ctx context.Context, cc rules.CallbackContext) error {
		invocations++
		if invocations == 1 {
			return errors.New("host service rejected update")
		}
		return nil
	})

	r := New(reg, logging.New("router-test"))
	r.Publish(context.Background(), testOutcome())
	r.Publish(context.Background(), testOutcome())
	r.Drain(context.Background())

	if invocations != 2 {
		t.Errorf("callback invoked %d times, want 2 despite first error", invocations)
	}
}

func TestRouter_ListenerConsumesPublishes(t *testing.T) {
	reg := rules.New()
	reg.Add("work", testEndpoint, "publish", rules.Rule{HTTPMethod: "POST", CallbackKey: "record_saver"})

	var mu sync.Mutex
	var count int
	done := make(chan struct{})
	reg.RegisterCallback("record_saver", func(ctx context.Context, cc rules.CallbackContext) error {
		mu.Lock()
		count++
		if count == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	r := New(reg, logging.New("router-test"))
	r.Start()
	defer r.Close()

	for i := 0; i < 3; i++ {
		r.Publish(context.Background(), testOutcome())
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not consume published outcomes in time")
	}
}

func TestRouter_CloseDrainsRemaining(t *testing.T) {
	reg := rules.New()
	reg.Add("work", testEndpoint, "publish", rules.Rule{HTTPMethod: "POST", CallbackKey: "record_saver"})

	var mu sync.Mutex
	var count int
	reg.RegisterCallback("record_saver", func(ctx context.Context, cc rules.CallbackContext) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	r := New(reg, logging.New("router-test"))
	r.Start()
	r.Publish(context.Background(), testOutcome())
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("callback invoked %d times after Close, want 1", count)
	}

	// Double close must not panic.
	r.Close()
}
