package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/voicegate/internal/conversation"
)

type textConn struct{ name string }

func (textConn) SendText(context.Context, string) error { return nil }

type stopCounter struct{ n int }

func (s *stopCounter) Stop() { s.n++ }

func TestRegisterChannelRebindsSingleEntry(t *testing.T) {
	s := newSession("s1", CreateParams{Prompt: "Base prompt."})
	connA, connB := textConn{"a"}, textConn{"b"}

	if !s.RegisterChannel(ChannelChat, ChannelRef{Text: connA}) {
		t.Fatalf("first RegisterChannel() should report a new channel")
	}
	prompt := s.SystemPrompt()
	if s.RegisterChannel(ChannelChat, ChannelRef{Text: connB}) {
		t.Fatalf("rebinding should not report a new channel")
	}
	if got := s.Channels(); len(got) != 1 || got[0] != "chat" {
		t.Fatalf("Channels() = %v, want [chat]", got)
	}
	ref, _ := s.Channel(ChannelChat)
	if ref.Text.(textConn).name != "b" {
		t.Fatalf("chat channel bound to %v, want connB", ref.Text)
	}
	if s.SystemPrompt() != prompt {
		t.Fatalf("prompt changed on rebind")
	}

	s.RegisterChannel(ChannelAudio, ChannelRef{})
	if !strings.Contains(s.SystemPrompt(), "chat,audio") || strings.Count(s.SystemPrompt(), "Available channels") != 1 {
		t.Fatalf("SystemPrompt() = %q", s.SystemPrompt())
	}
}

func TestUpdatePromptKeepsChannelBlock(t *testing.T) {
	s := newSession("s1", CreateParams{Prompt: "one"})
	s.RegisterChannel(ChannelAudio, ChannelRef{})
	got := s.UpdatePrompt("two", []conversation.ToolDescriptor{{Name: "getAllProducts"}})
	if !strings.HasPrefix(got, "two") || !strings.Contains(got, "audio") {
		t.Fatalf("UpdatePrompt() = %q", got)
	}
	if len(s.Tools()) != 2 {
		t.Fatalf("Tools() = %+v, want getAllProducts + end_session", s.Tools())
	}
}

func TestUtteranceTakeClears(t *testing.T) {
	s := newSession("s1", CreateParams{})
	s.AppendUtterance("I want to")
	if got := s.AppendUtterance("return my order."); got != "I want to return my order." {
		t.Fatalf("AppendUtterance() = %q", got)
	}
	if got := s.TakeUtterance(); got != "I want to return my order." {
		t.Fatalf("TakeUtterance() = %q", got)
	}
	if s.PendingUtterance() != "" {
		t.Fatalf("pending utterance should be cleared")
	}
}

func TestTryInterruptCooldown(t *testing.T) {
	s := newSession("s1", CreateParams{})
	stream := &stopCounter{}
	now := time.Now()

	if _, ok := s.TryInterrupt(now, 200*time.Millisecond); ok {
		t.Fatalf("TryInterrupt() while idle should fail")
	}
	s.BeginResponse(stream)
	got, ok := s.TryInterrupt(now, 200*time.Millisecond)
	if !ok || got != stream {
		t.Fatalf("TryInterrupt() = (%v, %v), want active stream", got, ok)
	}
	if s.ResponseState() != ResponseIdle || !s.Interrupted() {
		t.Fatalf("state after interrupt = %s interrupted=%v", s.ResponseState(), s.Interrupted())
	}

	s.BeginResponse(stream)
	if _, ok := s.TryInterrupt(now.Add(50*time.Millisecond), 200*time.Millisecond); ok {
		t.Fatalf("TryInterrupt() inside cooldown should fail")
	}
	s.ClearInterrupted(now)
	if _, ok := s.TryInterrupt(now.Add(250*time.Millisecond), 200*time.Millisecond); !ok {
		t.Fatalf("TryInterrupt() after cooldown should succeed")
	}
}

func TestEndResponseIgnoresStaleStream(t *testing.T) {
	s := newSession("s1", CreateParams{})
	old, cur := &stopCounter{}, &stopCounter{}
	s.BeginResponse(old)
	s.BeginResponse(cur)
	if s.EndResponse(old) {
		t.Fatalf("EndResponse(stale) should be ignored")
	}
	if s.ResponseState() != ResponseResponding {
		t.Fatalf("state = %s, want responding", s.ResponseState())
	}
	if !s.EndResponse(cur) || s.ResponseState() != ResponseIdle {
		t.Fatalf("EndResponse(current) should return to idle")
	}
}

func TestTeardownStopsActiveStream(t *testing.T) {
	s := newSession("s1", CreateParams{})
	stream := &stopCounter{}
	s.BeginResponse(stream)
	s.teardown()
	s.teardown()
	if stream.n != 1 {
		t.Fatalf("active stream stopped %d times, want 1", stream.n)
	}
	if s.ResponseState() != ResponseIdle {
		t.Fatalf("state after teardown = %s", s.ResponseState())
	}
}

func TestUnknownUserBinding(t *testing.T) {
	s := newSession("s1", CreateParams{})
	if s.User().Identity != UnknownUser {
		t.Fatalf("User() = %+v, want unknown", s.User())
	}
}
