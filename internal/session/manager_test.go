package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/voicegate/internal/conversation"
)

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]User
}

func newFakeDirectory() *fakeDirectory { return &fakeDirectory{users: map[string]User{}} }

func (d *fakeDirectory) FindUser(_ context.Context, identity string) (User, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[identity]
	return u, ok, nil
}

func (d *fakeDirectory) SetActiveSession(_ context.Context, identity, name, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[identity] = User{Identity: identity, DisplayName: name, ActiveSessionID: sessionID}
	return nil
}

type countingCloser struct {
	closes     atomic.Int32
	keepalives atomic.Int32
	order      *[]string
	name       string
	mu         *sync.Mutex
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	if c.order != nil {
		c.mu.Lock()
		*c.order = append(*c.order, c.name)
		c.mu.Unlock()
	}
	return nil
}

func (c *countingCloser) KeepAlive(context.Context) error {
	c.keepalives.Add(1)
	return nil
}

func TestCreateReusesActiveSessionForKnownUser(t *testing.T) {
	dir := newFakeDirectory()
	m := NewManager(dir, Hooks{})
	ctx := context.Background()

	first, reused, err := m.Create(ctx, CreateParams{TransportRef: "ws-1", UserIdentity: "+15550001", Prompt: "old"})
	if err != nil || reused {
		t.Fatalf("Create() = (_, %v, %v), want fresh session", reused, err)
	}
	tools := []conversation.ToolDescriptor{{Name: "getAllOrders"}}
	second, reused, err := m.Create(ctx, CreateParams{TransportRef: "ws-2", UserIdentity: "+15550001", Prompt: "new", Tools: tools})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !reused || second.ID != first.ID {
		t.Fatalf("Create() id = %s reused=%v, want %s reused", second.ID, reused, first.ID)
	}
	if second.TransportRef() != "ws-2" || !strings.HasPrefix(second.SystemPrompt(), "new") {
		t.Fatalf("session not rebound: ref=%s prompt=%q", second.TransportRef(), second.SystemPrompt())
	}
	names := []string{}
	for _, d := range second.Tools() {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "getAllOrders,"+conversation.EndSessionTool {
		t.Fatalf("Tools() = %v", names)
	}
	if got, _ := m.GetByTransport("ws-1"); got != first {
		t.Fatalf("old transport should still resolve to the session")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}

func TestCreateIgnoresStaleDirectoryPointer(t *testing.T) {
	dir := newFakeDirectory()
	dir.users["u"] = User{Identity: "u", ActiveSessionID: "gone"}
	m := NewManager(dir, Hooks{})

	s, reused, err := m.Create(context.Background(), CreateParams{TransportRef: "r", UserIdentity: "u"})
	if err != nil || reused {
		t.Fatalf("Create() = (_, %v, %v), want fresh", reused, err)
	}
	if dir.users["u"].ActiveSessionID != s.ID {
		t.Fatalf("directory not updated: %+v", dir.users["u"])
	}
}

func TestCreateSetupFailureLeavesNothingIndexed(t *testing.T) {
	m := NewManager(nil, Hooks{})
	res := &countingCloser{}
	_, _, err := m.Create(context.Background(), CreateParams{
		TransportRef: "stream-1",
		Setup: func(_ context.Context, s *Session) error {
			s.Attach("transcoder", res)
			return errors.New("ffmpeg: executable file not found")
		},
	})
	if err == nil {
		t.Fatalf("Create() should fail when setup fails")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if _, err := m.GetByTransport("stream-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByTransport() error = %v, want ErrNotFound", err)
	}
	if res.closes.Load() != 1 {
		t.Fatalf("partial resource closed %d times, want 1", res.closes.Load())
	}
}

func TestCreateRejectsBoundTransport(t *testing.T) {
	m := NewManager(nil, Hooks{})
	if _, _, err := m.Create(context.Background(), CreateParams{TransportRef: "r"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, _, err := m.Create(context.Background(), CreateParams{TransportRef: "r"}); !errors.Is(err, ErrTransportInUse) {
		t.Fatalf("Create() error = %v, want ErrTransportInUse", err)
	}
}

func TestDestroyIsIdempotentAndReleasesResources(t *testing.T) {
	var destroyed atomic.Int32
	m := NewManager(nil, Hooks{Destroyed: func(*Session) { destroyed.Add(1) }})
	s, _, _ := m.Create(context.Background(), CreateParams{TransportRef: "r", UserIdentity: "u"})

	var mu sync.Mutex
	var order []string
	a := &countingCloser{name: "transcoder", order: &order, mu: &mu}
	b := &countingCloser{name: "transcriber", order: &order, mu: &mu}
	s.Attach("transcoder", a)
	s.Attach("transcriber", b)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Destroy(context.Background(), s.ID)
		}()
	}
	wg.Wait()

	if a.closes.Load() != 1 || b.closes.Load() != 1 {
		t.Fatalf("closes = %d/%d, want 1/1", a.closes.Load(), b.closes.Load())
	}
	if strings.Join(order, ",") != "transcriber,transcoder" {
		t.Fatalf("close order = %v, want reverse attach order", order)
	}
	if destroyed.Load() != 1 {
		t.Fatalf("Destroyed hook ran %d times", destroyed.Load())
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done() should be closed")
	}

	late := &countingCloser{}
	s.Attach("late", late)
	if late.closes.Load() != 1 {
		t.Fatalf("attaching to a destroyed session should close the resource")
	}
}

func TestReleaseDestroysAfterLastTransport(t *testing.T) {
	m := NewManager(newFakeDirectory(), Hooks{})
	ctx := context.Background()
	s, _, _ := m.Create(ctx, CreateParams{TransportRef: "call", UserIdentity: "u"})
	_, _, _ = m.Create(ctx, CreateParams{TransportRef: "chat", UserIdentity: "u"})

	if err := m.Release(ctx, "chat"); err != nil {
		t.Fatalf("Release(chat) error = %v", err)
	}
	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("session should survive while the call is open: %v", err)
	}
	if err := m.Release(ctx, "call"); err != nil {
		t.Fatalf("Release(call) error = %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if err := m.Release(ctx, "call"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Release() error = %v, want ErrNotFound", err)
	}
}

func TestKeepAlivePingsResources(t *testing.T) {
	m := NewManager(nil, Hooks{})
	s, _, _ := m.Create(context.Background(), CreateParams{TransportRef: "r"})
	res := &countingCloser{}
	s.Attach("transcriber", res)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartKeepAlive(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for res.keepalives.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if res.keepalives.Load() < 2 {
		t.Fatalf("keepalives = %d, want at least 2", res.keepalives.Load())
	}
}

func TestShutdownDestroysEverything(t *testing.T) {
	m := NewManager(nil, Hooks{})
	for _, ref := range []string{"a", "b", "c"} {
		if _, _, err := m.Create(context.Background(), CreateParams{TransportRef: ref}); err != nil {
			t.Fatalf("Create(%s) error = %v", ref, err)
		}
	}
	m.Shutdown(context.Background())
	if m.ActiveCount() != 0 || len(m.List()) != 0 {
		t.Fatalf("sessions left after Shutdown: %d", m.ActiveCount())
	}
}

func TestConcurrentCreateForNewUserIndexesOneSession(t *testing.T) {
	const callers = 8
	var discarded atomic.Int32
	m := NewManager(nil, Hooks{Discarded: func(s *Session) {
		select {
		case <-s.Done():
		default:
			t.Errorf("discarded session %s still open", s.ID)
		}
		discarded.Add(1)
	}})

	// Every caller finishes Setup only after all of them passed the
	// reuse lookup, so each one builds a fresh session.
	var arrived sync.WaitGroup
	arrived.Add(callers)
	setup := func(context.Context, *Session) error {
		arrived.Done()
		arrived.Wait()
		return nil
	}

	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := m.Create(context.Background(), CreateParams{
				TransportRef: "ref-" + string(rune('a'+i)),
				UserIdentity: "+15550100",
				Setup:        setup,
			})
			if err != nil {
				t.Errorf("Create() error = %v", err)
				return
			}
			ids[i] = s.ID
		}()
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("caller %d got session %q, want %q", i, id, ids[0])
		}
		s, err := m.GetByTransport("ref-" + string(rune('a'+i)))
		if err != nil || s.ID != ids[0] {
			t.Fatalf("GetByTransport(ref %d) = %v, %v; want session %q", i, s, err, ids[0])
		}
	}
	if got := m.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
	if got := discarded.Load(); got != callers-1 {
		t.Fatalf("discarded = %d, want %d", got, callers-1)
	}
}
