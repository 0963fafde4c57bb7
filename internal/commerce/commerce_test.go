package commerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ent0n29/voicegate/internal/conversation"
)

func TestCancelOrderThroughRegistryAppliesDefaults(t *testing.T) {
	var gotPath string
	var gotBody CancelOptions
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"cancelled":true}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	reg := conversation.NewRegistry()
	if err := Register(reg, client); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	results := reg.Dispatch(context.Background(), reg.Descriptors(), []conversation.ToolCall{
		{ID: "1", Name: "cancelOrder", Args: map[string]any{"orderId": "1001"}},
	})
	if results[0].Output["cancelled"] != true {
		t.Fatalf("result = %+v", results[0].Output)
	}
	if gotPath != "/orders/1001/cancel" {
		t.Fatalf("path = %s", gotPath)
	}
	want := CancelOptions{Reason: "OTHER", Email: true, Refund: true, Restock: true}
	if gotBody != want {
		t.Fatalf("cancel body = %+v, want %+v", gotBody, want)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"p1","title":"Kurta"}]`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL, Attempts: 3})
	out, err := client.Products(context.Background())
	if err != nil {
		t.Fatalf("Products() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if list, ok := out.([]any); !ok || len(list) != 1 {
		t.Fatalf("Products() = %#v", out)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such order", http.StatusNotFound)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL, Attempts: 3})
	if _, err := client.Order(context.Background(), "42"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("Order() error = %v, want 404", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestCustomerLookupUsesCallerPhone(t *testing.T) {
	var gotPhone string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPhone = r.URL.Query().Get("phone")
		_, _ = w.Write([]byte(`{"firstName":"Asha"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL})
	reg := conversation.NewRegistry()
	_ = Register(reg, client)

	ctx := conversation.WithCaller(context.Background(), "+15550001")
	results := reg.Dispatch(ctx, reg.Descriptors(), []conversation.ToolCall{{Name: "getUserDetailsByPhoneNo"}})
	if gotPhone != "+15550001" || results[0].Output["firstName"] != "Asha" {
		t.Fatalf("phone=%q result=%+v", gotPhone, results[0].Output)
	}

	anon := conversation.WithCaller(context.Background(), "unknown")
	results = reg.Dispatch(anon, reg.Descriptors(), []conversation.ToolCall{{Name: "getUserDetailsByPhoneNo"}})
	if _, ok := results[0].Output["error"]; !ok {
		t.Fatalf("unknown caller should yield an error result: %+v", results[0].Output)
	}
}

func TestDescriptorsMatchNames(t *testing.T) {
	names := Names()
	if len(names) != 6 || names[4] != "cancelOrder" {
		t.Fatalf("Names() = %v", names)
	}
}
