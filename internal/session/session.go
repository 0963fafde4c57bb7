package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/outbound"
)

type ChannelKind string

const (
	ChannelAudio ChannelKind = "audio"
	ChannelChat  ChannelKind = "chat"
	ChannelSMS   ChannelKind = "sms"
)

// TextSender delivers a reply on a text channel.
type TextSender interface {
	SendText(ctx context.Context, text string) error
}

// Closer is a pipeline resource owned by a session.
type Closer interface {
	Close() error
}

// KeepAliver is implemented by resources that must be pinged while idle.
type KeepAliver interface {
	KeepAlive(ctx context.Context) error
}

// Stopper cancels an in-flight response.
type Stopper interface {
	Stop()
}

// ChannelRef is the connection a channel currently delivers to. Audio
// channels set Audio, text channels set Text.
type ChannelRef struct {
	Text  TextSender
	Audio outbound.OutboundTransport
}

type UserBinding struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
}

// UnknownUser is the identity of sessions nobody has claimed.
const UnknownUser = "unknown"

type ResponseState int

const (
	ResponseIdle ResponseState = iota
	ResponseResponding
)

func (r ResponseState) String() string {
	if r == ResponseResponding {
		return "responding"
	}
	return "idle"
}

// Conversation is the prompt, tools and history of one session.
type Conversation struct {
	BasePrompt   string
	SystemPrompt string
	Tools        []conversation.ToolDescriptor
	History      []conversation.Message
	Pending      string
}

// ChannelTable holds at most one entry per kind in registration order.
type ChannelTable struct {
	order []ChannelKind
	refs  map[ChannelKind]ChannelRef
}

// Register binds kind to ref and reports whether kind was new.
func (t *ChannelTable) Register(kind ChannelKind, ref ChannelRef) bool {
	if t.refs == nil {
		t.refs = make(map[ChannelKind]ChannelRef)
	}
	_, exists := t.refs[kind]
	t.refs[kind] = ref
	if !exists {
		t.order = append(t.order, kind)
	}
	return !exists
}

func (t *ChannelTable) Lookup(kind ChannelKind) (ChannelRef, bool) {
	ref, ok := t.refs[kind]
	return ref, ok
}

func (t *ChannelTable) Names() []string {
	out := make([]string, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, string(k))
	}
	return out
}

type response struct {
	state              ResponseState
	active             Stopper
	interrupted        bool
	lastInterruptionAt time.Time
}

type resource struct {
	name   string
	closer Closer
}

// Session is one conversation regardless of transport. All methods are safe
// for concurrent use; the pipeline event loop is the only writer of
// conversation state in practice.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	transportRef string
	user         UserBinding
	conv         Conversation
	channels     ChannelTable
	resources    []resource
	resp         response

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, p CreateParams) *Session {
	s := &Session{
		ID:           id,
		CreatedAt:    time.Now().UTC(),
		transportRef: p.TransportRef,
		user:         bindingFor(p.UserIdentity, p.DisplayName),
		closed:       make(chan struct{}),
	}
	s.conv.BasePrompt = p.Prompt
	s.conv.Tools = conversation.WithEndSession(p.Tools)
	s.rebuildPromptLocked()
	return s
}

func bindingFor(identity, name string) UserBinding {
	if identity == "" {
		identity = UnknownUser
	}
	return UserBinding{Identity: identity, DisplayName: name}
}

func (s *Session) TransportRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportRef
}

func (s *Session) User() UserBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Done closes once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// rebind updates a reused session for a new connection.
func (s *Session) rebind(p CreateParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.TransportRef != "" {
		s.transportRef = p.TransportRef
	}
	if p.DisplayName != "" {
		s.user.DisplayName = p.DisplayName
	}
	if p.Prompt != "" {
		s.conv.BasePrompt = p.Prompt
	}
	if p.Tools != nil {
		s.conv.Tools = conversation.WithEndSession(p.Tools)
	}
	s.rebuildPromptLocked()
}

// UpdatePrompt replaces the base prompt and, when tools is non-nil, the tool
// set. The channel block is rebuilt.
func (s *Session) UpdatePrompt(prompt string, tools []conversation.ToolDescriptor) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prompt != "" {
		s.conv.BasePrompt = prompt
	}
	if tools != nil {
		s.conv.Tools = conversation.WithEndSession(tools)
	}
	s.rebuildPromptLocked()
	return s.conv.SystemPrompt
}

// RegisterChannel binds a channel and rewrites the system prompt. It reports
// whether the channel kind was new.
func (s *Session) RegisterChannel(kind ChannelKind, ref ChannelRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := s.channels.Register(kind, ref)
	s.rebuildPromptLocked()
	return added
}

func (s *Session) Channel(kind ChannelKind) (ChannelRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels.Lookup(kind)
}

func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels.Names()
}

func (s *Session) rebuildPromptLocked() {
	s.conv.SystemPrompt = conversation.BuildPrompt(s.conv.BasePrompt, s.channels.Names())
}

// SystemPrompt, Tools, History, AppendHistory and TrimHistory make a session
// usable as conversation state.

func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.SystemPrompt
}

func (s *Session) Tools() []conversation.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.ToolDescriptor(nil), s.conv.Tools...)
}

func (s *Session) History() []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Message(nil), s.conv.History...)
}

func (s *Session) AppendHistory(msgs ...conversation.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.History = append(s.conv.History, msgs...)
}

func (s *Session) TrimHistory(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.History = conversation.TrimHistory(s.conv.History, max)
}

// AppendUtterance adds a final transcript segment to the pending turn and
// returns the accumulated text.
func (s *Session) AppendUtterance(segment string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if segment == "" {
		return s.conv.Pending
	}
	if s.conv.Pending == "" {
		s.conv.Pending = segment
	} else {
		s.conv.Pending += " " + segment
	}
	return s.conv.Pending
}

func (s *Session) PendingUtterance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Pending
}

// TakeUtterance returns the pending turn and clears it.
func (s *Session) TakeUtterance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.conv.Pending
	s.conv.Pending = ""
	return text
}

// BeginResponse moves to Responding with stream as the active output and
// returns the stream it replaced, which the caller must stop.
func (s *Session) BeginResponse(stream Stopper) Stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.resp.active
	s.resp.state = ResponseResponding
	s.resp.active = stream
	return prev
}

// EndResponse returns to Idle if stream is still the active one.
func (s *Session) EndResponse(stream Stopper) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resp.active != stream {
		return false
	}
	s.resp.state = ResponseIdle
	s.resp.active = nil
	return true
}

func (s *Session) ResponseState() ResponseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp.state
}

// Interrupted is true during the cooldown after an interruption.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp.interrupted
}

// TryInterrupt claims an interruption when a response is in flight and the
// cooldown since the last one has passed. On success the session is Idle and
// flagged interrupted, and the caller must stop the returned stream.
func (s *Session) TryInterrupt(now time.Time, cooldown time.Duration) (Stopper, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resp.state != ResponseResponding {
		return nil, false
	}
	if s.resp.interrupted || (!s.resp.lastInterruptionAt.IsZero() && now.Sub(s.resp.lastInterruptionAt) < cooldown) {
		return nil, false
	}
	stream := s.resp.active
	s.resp.state = ResponseIdle
	s.resp.active = nil
	s.resp.interrupted = true
	s.resp.lastInterruptionAt = now
	return stream, true
}

// ClearInterrupted ends the cooldown started at at. A later interruption keeps
// its own flag.
func (s *Session) ClearInterrupted(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resp.lastInterruptionAt.Equal(at) {
		s.resp.interrupted = false
	}
}

// Attach hands a resource to the session. A resource with the same name is
// replaced and closed. Attaching to a closed session closes c immediately.
func (s *Session) Attach(name string, c Closer) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		closeResource(s.ID, name, c)
		return
	default:
	}
	var old Closer
	for i, r := range s.resources {
		if r.name == name {
			old = r.closer
			s.resources = append(s.resources[:i], s.resources[i+1:]...)
			break
		}
	}
	s.resources = append(s.resources, resource{name: name, closer: c})
	s.mu.Unlock()
	if old != nil {
		closeResource(s.ID, name, old)
	}
}

// Detach closes and forgets a named resource.
func (s *Session) Detach(name string) {
	s.mu.Lock()
	var found Closer
	for i, r := range s.resources {
		if r.name == name {
			found = r.closer
			s.resources = append(s.resources[:i], s.resources[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if found != nil {
		closeResource(s.ID, name, found)
	}
}

// KeepAlive pings every resource that supports it.
func (s *Session) KeepAlive(ctx context.Context) error {
	s.mu.Lock()
	targets := make([]KeepAliver, 0, len(s.resources))
	for _, r := range s.resources {
		if ka, ok := r.closer.(KeepAliver); ok {
			targets = append(targets, ka)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, ka := range targets {
		if err := ka.KeepAlive(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// teardown stops the active response and closes resources in reverse order.
// Only the first call does anything.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		active := s.resp.active
		s.resp.state = ResponseIdle
		s.resp.active = nil
		resources := s.resources
		s.resources = nil
		close(s.closed)
		s.mu.Unlock()

		if active != nil {
			active.Stop()
		}
		for i := len(resources) - 1; i >= 0; i-- {
			closeResource(s.ID, resources[i].name, resources[i].closer)
		}
	})
}

func closeResource(sessionID, name string, c Closer) {
	if err := c.Close(); err != nil {
		log.Printf("[session] session=%s close %s: %v", sessionID, name, err)
	}
}

// Info is a read-only view for operators.
type Info struct {
	ID           string    `json:"session_id"`
	TransportRef string    `json:"transport_ref"`
	User         string    `json:"user"`
	DisplayName  string    `json:"display_name,omitempty"`
	Channels     []string  `json:"channels"`
	Response     string    `json:"response_state"`
	HistoryLen   int       `json:"history_len"`
	Resources    []string  `json:"resources"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.resources))
	for _, r := range s.resources {
		names = append(names, r.name)
	}
	sort.Strings(names)
	return Info{
		ID:           s.ID,
		TransportRef: s.transportRef,
		User:         s.user.Identity,
		DisplayName:  s.user.DisplayName,
		Channels:     s.channels.Names(),
		Response:     s.resp.state.String(),
		HistoryLen:   len(s.conv.History),
		Resources:    names,
		CreatedAt:    s.CreatedAt,
	}
}
