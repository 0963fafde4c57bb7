package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/stt"
	"github.com/ent0n29/voicegate/internal/vad"
)

// ErrNoRecognizer means no speech recognizer is configured, so inbound audio
// cannot be transcribed. Outbound audio still works.
var ErrNoRecognizer = errors.New("speech recognizer backend is not configured")

// Recognizer is the slice of the streaming transcriber the loop drives.
type Recognizer interface {
	BeginSegment()
	Feed(chunk []byte) error
	Finalize() error
	Results() <-chan stt.Result
}

// LegConfig describes how the inbound audio path is built.
type LegConfig struct {
	FFmpegPath string
	VAD        vad.Config
	STT        stt.Config
	Backend    stt.Backend
}

const (
	legTranscoder  = "transcoder"
	legVAD         = "vad"
	legTranscriber = "transcriber"
)

// StartAudio builds transcoder -> VAD -> transcriber for an inbound stream in
// the given format and hands the pieces to the session. A previous audio
// path is replaced. On error nothing is left running.
func (p *Pipeline) StartAudio(ctx context.Context, input audio.Format) error {
	cfg := p.deps.Legs
	if cfg.Backend == nil {
		return ErrNoRecognizer
	}
	gen := p.legGen.Add(1)
	id := p.sess.ID

	rec := stt.New(cfg.Backend, cfg.STT, id)
	if err := rec.Connect(ctx); err != nil {
		_ = rec.Close()
		return fmt.Errorf("connect transcriber: %w", err)
	}

	det, err := vad.Start(cfg.VAD, id, func(ev vad.Event) {
		p.post(Event{Kind: EventSpeech, Speech: ev, Gen: gen})
	})
	if err != nil {
		_ = rec.Close()
		return err
	}

	tc, err := audio.NewTranscoder(audio.TranscoderConfig{
		Binary: cfg.FFmpegPath,
		Input:  input,
		Output: audio.Speech,
	}, func(pcm []byte) {
		if _, err := det.Write(pcm); err != nil && !errors.Is(err, audio.ErrClosed) {
			log.Printf("[voice] session=%s vad write failed: %v", id, err)
		}
	})
	if err != nil {
		_ = det.Close()
		_ = rec.Close()
		return err
	}

	p.sess.Attach(legTranscriber, rec)
	p.sess.Attach(legVAD, det)
	p.sess.Attach(legTranscoder, tc)
	p.setAudio(gen, tc, rec)

	go p.forwardResults(gen, rec)
	go p.watchProcess(gen, legVAD, det.Process)
	go p.watchProcess(gen, legTranscoder, tc.Process)
	log.Printf("[voice] session=%s audio path started input=%s", id, input)
	return nil
}

// StopAudio tears the audio path down and leaves text channels running.
func (p *Pipeline) StopAudio() {
	p.legGen.Add(1)
	p.setAudio(0, nil, nil)
	p.sess.Detach(legTranscoder)
	p.sess.Detach(legVAD)
	p.sess.Detach(legTranscriber)
}

func (p *Pipeline) setAudio(gen uint64, input io.Writer, rec Recognizer) {
	p.mu.Lock()
	p.input = input
	p.rec = rec
	p.audioGen = gen
	p.mu.Unlock()
}

func (p *Pipeline) recognizer(gen uint64) Recognizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.audioGen {
		return nil
	}
	return p.rec
}

func (p *Pipeline) forwardResults(gen uint64, rec Recognizer) {
	for r := range rec.Results() {
		p.post(Event{Kind: EventTranscript, Result: r, Gen: gen})
	}
}

func (p *Pipeline) watchProcess(gen uint64, name string, proc *audio.Process) {
	select {
	case <-proc.Done():
	case <-p.ctx.Done():
		return
	}
	err := proc.Err()
	if err == nil || errors.Is(err, audio.ErrClosed) {
		return
	}
	p.post(Event{Kind: EventLegFailed, Leg: name, Err: err, Gen: gen})
}
