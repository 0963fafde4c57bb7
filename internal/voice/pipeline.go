package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/interrupt"
	"github.com/ent0n29/voicegate/internal/memory"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/outbound"
	"github.com/ent0n29/voicegate/internal/redact"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/stt"
	"github.com/ent0n29/voicegate/internal/tts"
	"github.com/ent0n29/voicegate/internal/turn"
	"github.com/ent0n29/voicegate/internal/vad"
)

var (
	ErrNoAudio = errors.New("audio path is not running")
	ErrStopped = errors.New("pipeline stopped")

	errSynthesis = errors.New("speech synthesis failed")
)

const (
	eventBuffer      = 512
	textSendTimeout  = 10 * time.Second
	persistTimeout   = 2 * time.Second
	turnHistoryLimit = 4
)

// TranscriptSender is implemented by text channels that show live captions.
type TranscriptSender interface {
	SendTranscript(ctx context.Context, text string, final bool) error
}

// Deps are shared by every pipeline of a process.
type Deps struct {
	Engine      *conversation.Engine
	Turns       turn.Detector
	Synth       tts.Synthesizer
	Streamer    *outbound.Streamer
	Interrupts  *interrupt.Controller
	Store       memory.Store
	Metrics     *observability.Metrics
	Legs        LegConfig
	GracePeriod time.Duration
	// OnEnd is called off the loop when the model ends the session.
	OnEnd func(sessionID string)
}

// Pipeline is the event loop of one session. Legs only post events; all turn
// state is read and written on the loop goroutine.
type Pipeline struct {
	sess  *session.Session
	deps  Deps
	grace *turn.GraceTimer

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan Event
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	legGen   atomic.Uint64
	mu       sync.Mutex
	input    io.Writer
	rec      Recognizer
	audioGen uint64

	// loop owned
	vadActive   bool
	lastInterim string
	speechEnded time.Time
	turnStarted time.Time
	endAfter    *outbound.Handle
	apology     *outbound.Handle
	ending      bool
	greeted     bool
}

func New(sess *session.Session, deps Deps) *Pipeline {
	p := &Pipeline{
		sess:   sess,
		deps:   deps,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	p.grace = turn.NewGraceTimer(deps.GracePeriod, func(gen uint64) {
		p.post(Event{Kind: EventGraceExpired, Gen: gen})
	})
	return p
}

// Start runs the loop until Close or until ctx is cancelled. The pipeline is
// attached to the session so session teardown closes it.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.sess.Attach("pipeline", p)
		go p.run()
	})
}

func (p *Pipeline) Session() *session.Session { return p.sess }

// Done closes once the loop has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Close stops the loop and waits for it. It must not be called from the loop.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.grace.Stop()
		if p.cancel == nil {
			close(p.done)
			return
		}
		p.cancel()
		<-p.done
	})
	return nil
}

// FeedAudio hands inbound transport audio to the transcoder. It blocks while
// the transcoder is backed up.
func (p *Pipeline) FeedAudio(chunk []byte) error {
	p.mu.Lock()
	in := p.input
	p.mu.Unlock()
	if in == nil {
		return ErrNoAudio
	}
	_, err := in.Write(chunk)
	return err
}

// SubmitText queues a typed message from a text channel.
func (p *Pipeline) SubmitText(text string, channel session.ChannelKind) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return p.postCtx(Event{Kind: EventText, Text: text, Channel: channel})
}

// Greet opens the conversation on channel.
func (p *Pipeline) Greet(channel session.ChannelKind) error {
	return p.postCtx(Event{Kind: EventGreet, Channel: channel})
}

func (p *Pipeline) post(ev Event) {
	_ = p.postCtx(ev)
}

func (p *Pipeline) postCtx(ev Event) error {
	if p.ctx == nil {
		return ErrStopped
	}
	select {
	case p.events <- ev:
		return nil
	case <-p.ctx.Done():
		return ErrStopped
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	defer p.grace.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			p.handle(ev)
		}
	}
}

func (p *Pipeline) handle(ev Event) {
	switch ev.Kind {
	case EventSpeech:
		p.onSpeech(ev)
	case EventTranscript:
		p.onTranscript(ev)
	case EventGraceExpired:
		p.onGrace(ev.Gen)
	case EventResponseDone:
		p.onResponseDone(ev.Stream)
	case EventText:
		p.runTurn(ev.Text, ev.Channel)
	case EventGreet:
		p.greet(ev.Channel)
	case EventLegFailed:
		p.onLegFailed(ev)
	}
}

func (p *Pipeline) onSpeech(ev Event) {
	rec := p.recognizer(ev.Gen)
	if rec == nil {
		return
	}
	switch ev.Speech.Type {
	case vad.EventSpeechStart:
		p.vadActive = true
		rec.BeginSegment()
	case vad.EventAudioChunk:
		if !p.vadActive {
			return
		}
		if err := rec.Feed(ev.Speech.Audio); err != nil {
			log.Printf("[voice] session=%s feed transcriber: %v", p.sess.ID, err)
		}
	case vad.EventSpeechEnd:
		p.vadActive = false
		p.speechEnded = time.Now()
		if err := rec.Finalize(); err != nil {
			log.Printf("[voice] session=%s finalize transcriber: %v", p.sess.ID, err)
		}
		// A final for this segment may never come; the grace timer bounds the wait.
		if p.sess.PendingUtterance() != "" {
			p.grace.Reset()
		}
	}
}

func (p *Pipeline) onTranscript(ev Event) {
	if p.recognizer(ev.Gen) == nil {
		return
	}
	r := ev.Result
	if r.Type == stt.ResultError {
		p.onLegFailed(Event{Kind: EventLegFailed, Leg: legTranscriber, Err: r.Err, Gen: ev.Gen})
		return
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return
	}
	if p.deps.Interrupts != nil && p.sess.ResponseState() == session.ResponseResponding {
		p.deps.Interrupts.Trigger(p.sess, p.sess.ID)
	}

	if r.Type == stt.ResultInterim {
		if text != p.lastInterim {
			p.lastInterim = text
			p.sendTranscript(text, false)
		}
		return
	}

	p.lastInterim = ""
	if !p.speechEnded.IsZero() {
		p.deps.Metrics.ObserveStage(observability.StageSTT, time.Since(p.speechEnded))
		p.speechEnded = time.Time{}
	}
	utterance := p.sess.AppendUtterance(text)
	p.sendTranscript(text, true)
	log.Printf("[voice] session=%s final segment, utterance=%q", p.sess.ID, redact.Text(utterance))

	complete := false
	if p.deps.Turns != nil {
		ok, err := p.deps.Turns.IsEndOfTurn(p.ctx, utterance, turnHistory(p.sess.History(), turnHistoryLimit))
		if err != nil {
			log.Printf("[voice] session=%s turn detector failed, waiting for grace: %v", p.sess.ID, err)
		}
		complete = ok && err == nil
	}
	if complete && !p.vadActive {
		p.runTurn("", session.ChannelAudio)
		return
	}
	p.grace.Reset()
}

func (p *Pipeline) onGrace(gen uint64) {
	if !p.grace.Claim(gen) {
		return
	}
	if p.vadActive || p.sess.PendingUtterance() == "" {
		return
	}
	log.Printf("[voice] session=%s grace period elapsed, forcing turn", p.sess.ID)
	p.deps.Metrics.TurnForced()
	p.runTurn("", session.ChannelAudio)
}

// runTurn hands one user input to the engine and delivers the reply. An empty
// text takes the pending spoken utterance; it is cleared in this same step.
func (p *Pipeline) runTurn(text string, channel session.ChannelKind) {
	if text == "" {
		p.grace.Stop()
		text = p.sess.TakeUtterance()
		if text == "" {
			return
		}
	}
	p.turnStarted = time.Now()
	user := p.sess.User().Identity
	p.persist(conversation.RoleUser, text, channel)

	reply := conversation.Reply{OutputChannel: string(channel)}
	if p.deps.Engine == nil {
		reply.Text = conversation.Apology
	} else {
		ctx := conversation.WithCaller(p.ctx, user)
		var err error
		reply, err = p.deps.Engine.ProcessInput(ctx, p.sess, text, string(channel))
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Printf("[voice] session=%s conversation failed: %v", p.sess.ID, err)
			p.deps.Metrics.ProviderError("llm", "generate")
			reply.Text = conversation.Apology
			reply.OutputChannel = string(channel)
		}
	}
	if strings.TrimSpace(reply.Text) == "" {
		reply.Text = conversation.Apology
	}
	p.persist(conversation.RoleAssistant, reply.Text, session.ChannelKind(reply.OutputChannel))

	stream := p.deliver(reply.Text, session.ChannelKind(reply.OutputChannel), channel)
	if reply.EndSession {
		p.endAfterResponse(stream)
	}
}

func (p *Pipeline) greet(channel session.ChannelKind) {
	if p.greeted {
		return
	}
	p.greeted = true
	p.sess.AppendHistory(conversation.Message{Role: conversation.RoleAssistant, Content: conversation.Greeting})
	p.turnStarted = time.Now()
	p.deliver(conversation.Greeting, channel, channel)
}

// deliver routes text to the requested channel, falling back to the channel
// the input came from. It returns the playback handle for audio.
func (p *Pipeline) deliver(text string, want, input session.ChannelKind) *outbound.Handle {
	kind := want
	ref, ok := p.sess.Channel(kind)
	if !ok || !usable(kind, ref) {
		if kind != input {
			log.Printf("[voice] session=%s channel %q unavailable, replying on %q", p.sess.ID, kind, input)
		}
		kind = input
		ref, ok = p.sess.Channel(kind)
	}
	if !ok || !usable(kind, ref) {
		log.Printf("[voice] session=%s no channel to deliver reply", p.sess.ID)
		return nil
	}

	if kind == session.ChannelAudio {
		return p.speak(text, ref.Audio)
	}
	ctx, cancel := context.WithTimeout(p.ctx, textSendTimeout)
	defer cancel()
	if err := ref.Text.SendText(ctx, text); err != nil {
		log.Printf("[voice] session=%s send %s reply: %v", p.sess.ID, kind, err)
	}
	p.deps.Metrics.ObserveStage(observability.StageTurnTotal, time.Since(p.turnStarted))
	return nil
}

func usable(kind session.ChannelKind, ref session.ChannelRef) bool {
	if kind == session.ChannelAudio {
		return ref.Audio != nil
	}
	return ref.Text != nil
}

// speak starts playback of text. Synthesis runs in its own goroutine and feeds
// the streamer through a pipe; the loop learns the outcome from
// EventResponseDone.
func (p *Pipeline) speak(text string, transport outbound.OutboundTransport) *outbound.Handle {
	text = speakable(text)
	if text == "" || p.deps.Synth == nil || p.deps.Streamer == nil {
		return nil
	}
	pipe := outbound.NewPipe()
	handle := p.deps.Streamer.Start(p.ctx, transport, audio.Telephony, pipe)
	if prev := p.sess.BeginResponse(handle); prev != nil {
		prev.Stop()
	}

	started := p.turnStarted
	go p.synthesize(text, pipe, handle, started)
	go func() {
		<-handle.Done()
		p.post(Event{Kind: EventResponseDone, Stream: handle})
	}()
	return handle
}

func (p *Pipeline) synthesize(text string, pipe *outbound.Pipe, handle *outbound.Handle, started time.Time) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	go func() {
		select {
		case <-handle.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	first := true
	err := p.deps.Synth.SynthesizeStreaming(ctx, text, func(pcm []byte) error {
		if first {
			first = false
			p.deps.Metrics.ObserveStage(observability.StageTTSFirst, time.Since(started))
			p.deps.Metrics.ObserveStage(observability.StageTurnTotal, time.Since(started))
		}
		return pipe.Write(ctx, audio.EncodeMulaw(pcm))
	})
	if err != nil && !errors.Is(err, io.ErrClosedPipe) && ctx.Err() == nil {
		log.Printf("[voice] session=%s synthesis failed: %v", p.sess.ID, err)
		p.deps.Metrics.ProviderError("tts", "synthesize")
		pipe.CloseWithError(fmt.Errorf("%w: %w", errSynthesis, err))
		return
	}
	pipe.Close()
}

func (p *Pipeline) onResponseDone(stream *outbound.Handle) {
	if stream == nil {
		return
	}
	p.sess.EndResponse(stream)
	var next *outbound.Handle
	if err := stream.Err(); err != nil {
		log.Printf("[voice] session=%s playback ended with error: %v", p.sess.ID, err)
		if errors.Is(err, errSynthesis) && !p.ending {
			next = p.apologize(stream)
		}
	}
	if p.endAfter == stream {
		p.endAfter = nil
		p.endAfterResponse(next)
	}
}

// apologize tells the user a spoken reply could not be produced. A bound chat
// channel gets the apology as text; otherwise it is spoken once. A failed
// spoken apology is not retried.
func (p *Pipeline) apologize(failed *outbound.Handle) *outbound.Handle {
	if failed == p.apology {
		p.apology = nil
		return nil
	}
	if ref, ok := p.sess.Channel(session.ChannelChat); ok && ref.Text != nil {
		ctx, cancel := context.WithTimeout(p.ctx, textSendTimeout)
		defer cancel()
		err := ref.Text.SendText(ctx, conversation.Apology)
		if err == nil {
			return nil
		}
		log.Printf("[voice] session=%s send apology: %v", p.sess.ID, err)
	}
	ref, ok := p.sess.Channel(session.ChannelAudio)
	if !ok || ref.Audio == nil {
		return nil
	}
	p.apology = p.speak(conversation.Apology, ref.Audio)
	return p.apology
}

// endAfterResponse ends the session once stream finishes playing, or now when
// nothing is playing.
func (p *Pipeline) endAfterResponse(stream *outbound.Handle) {
	if stream == nil {
		p.end()
		return
	}
	p.endAfter = stream
}

func (p *Pipeline) end() {
	if p.ending {
		return
	}
	p.ending = true
	log.Printf("[voice] session=%s ended by agent", p.sess.ID)
	if p.deps.OnEnd != nil {
		go p.deps.OnEnd(p.sess.ID)
	}
}

func (p *Pipeline) onLegFailed(ev Event) {
	if p.recognizer(ev.Gen) == nil {
		return
	}
	log.Printf("[voice] session=%s audio leg %s failed, audio disabled: %v", p.sess.ID, ev.Leg, ev.Err)
	p.deps.Metrics.ProviderError("audio_leg", ev.Leg)
	p.vadActive = false
	p.grace.Stop()
	p.StopAudio()
}

func (p *Pipeline) sendTranscript(text string, final bool) {
	ref, ok := p.sess.Channel(session.ChannelChat)
	if !ok || ref.Text == nil {
		return
	}
	ts, ok := ref.Text.(TranscriptSender)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, textSendTimeout)
	defer cancel()
	if err := ts.SendTranscript(ctx, text, final); err != nil {
		log.Printf("[voice] session=%s send transcript: %v", p.sess.ID, err)
	}
}

func (p *Pipeline) persist(role conversation.Role, content string, channel session.ChannelKind) {
	if p.deps.Store == nil {
		return
	}
	user := p.sess.User().Identity
	if user == "" || user == session.UnknownUser {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, persistTimeout)
	defer cancel()
	err := p.deps.Store.SaveTurn(ctx, memory.TurnRecord{
		ID:        uuid.NewString(),
		UserID:    user,
		SessionID: p.sess.ID,
		Role:      string(role),
		Content:   content,
		Channel:   string(channel),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[voice] session=%s save %s turn: %v", p.sess.ID, role, err)
	}
}

// turnHistory converts the recent user and assistant text for a detector.
func turnHistory(history []conversation.Message, limit int) []turn.Message {
	out := make([]turn.Message, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		m := history[i]
		var content string
		switch m.Role {
		case conversation.RoleUser:
			content = conversation.UntagInput(m.Content)
		case conversation.RoleAssistant:
			if m.Content == "" {
				continue
			}
			content, _ = conversation.ParseOutput(m.Content, "")
		default:
			continue
		}
		out = append(out, turn.Message{Role: string(m.Role), Content: content})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
