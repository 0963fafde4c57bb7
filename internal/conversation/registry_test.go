package conversation

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryAlwaysHasEndSession(t *testing.T) {
	r := NewRegistry()
	descs := r.Descriptors()
	if len(descs) != 1 || descs[0].Name != EndSessionTool {
		t.Fatalf("Descriptors() = %+v, want only %s", descs, EndSessionTool)
	}
}

func TestRegistryReplaceKeepsOrder(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	_ = r.Register(ToolDescriptor{Name: "a", Description: "first"}, noop)
	_ = r.Register(ToolDescriptor{Name: "b"}, noop)
	_ = r.Register(ToolDescriptor{Name: "a", Description: "second"}, noop)

	descs := r.Descriptors()
	if len(descs) != 3 || descs[1].Name != "a" || descs[1].Description != "second" || descs[2].Name != "b" {
		t.Fatalf("Descriptors() = %+v", descs)
	}
	if err := r.Register(ToolDescriptor{}, noop); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("Register(empty) error = %v, want ErrEmptyName", err)
	}
}

func TestWithEndSessionDeduplicates(t *testing.T) {
	tools := WithEndSession([]ToolDescriptor{{Name: "x"}, EndSessionDescriptor(), {Name: "y"}})
	names := make([]string, 0, len(tools))
	for _, d := range tools {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "x,y,"+EndSessionTool {
		t.Fatalf("WithEndSession() names = %v", names)
	}
}

func TestDispatchKeepsCallOrderUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	var inFlight, peak int32
	slow := func(_ context.Context, args map[string]any) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Duration(args["delay"].(float64)) * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return args["label"], nil
	}
	_ = r.Register(ToolDescriptor{Name: "slow"}, slow)

	calls := []ToolCall{
		{ID: "1", Name: "slow", Args: map[string]any{"delay": 30.0, "label": "first"}},
		{ID: "2", Name: "slow", Args: map[string]any{"delay": 1.0, "label": "second"}},
		{ID: "3", Name: "slow", Args: map[string]any{"delay": 15.0, "label": "third"}},
	}
	results := r.Dispatch(context.Background(), r.Descriptors(), calls)
	for i, want := range []string{"first", "second", "third"} {
		if results[i].CallID != calls[i].ID || results[i].Output["result"] != want {
			t.Fatalf("results[%d] = %+v, want %s", i, results[i], want)
		}
	}
	if atomic.LoadInt32(&peak) < 2 {
		t.Fatalf("peak concurrency = %d, want calls to overlap", peak)
	}
}

func TestDispatchConvertsFailures(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(ToolDescriptor{Name: "fails"}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("shop unavailable")
	})
	_ = r.Register(ToolDescriptor{Name: "panics"}, func(context.Context, map[string]any) (any, error) {
		panic("nil map")
	})
	_ = r.Register(ToolDescriptor{Name: "hidden"}, func(context.Context, map[string]any) (any, error) {
		return "secret", nil
	})

	offered := []ToolDescriptor{{Name: "fails"}, {Name: "panics"}, {Name: "ghost"}}
	results := r.Dispatch(context.Background(), offered, []ToolCall{
		{Name: "fails"}, {Name: "panics"}, {Name: "ghost"}, {Name: "hidden"},
	})
	for i, res := range results {
		if _, ok := res.Output["error"]; !ok {
			t.Fatalf("results[%d] = %+v, want error output", i, res)
		}
	}
	if !strings.Contains(results[0].Output["error"].(string), "shop unavailable") {
		t.Fatalf("handler error not surfaced: %+v", results[0])
	}
}

func TestResolveSkipsUnknownNames(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	_ = r.Register(ToolDescriptor{Name: "getAllOrders"}, noop)
	got := r.Resolve([]string{"getAllOrders", "nope", "getAllOrders"})
	if len(got) != 1 || got[0].Name != "getAllOrders" {
		t.Fatalf("Resolve() = %+v", got)
	}
	if all := r.Resolve(nil); len(all) != 2 {
		t.Fatalf("Resolve(nil) = %d tools, want 2", len(all))
	}
}
