package livekit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/ent0n29/voicegate/internal/outbound"
	"github.com/ent0n29/voicegate/internal/voice"
)

type recordingTrack struct {
	samples []media.Sample
}

func (r *recordingTrack) WriteSample(s media.Sample, _ *lksdk.SampleWriteOptions) error {
	r.samples = append(r.samples, s)
	return nil
}

type fakeRoom struct {
	published   int
	unpublished int
	tracks      []*recordingTrack
	fail        error
}

func (f *fakeRoom) publish() (sampleTrack, func() error, error) {
	if f.fail != nil {
		return nil, nil, f.fail
	}
	f.published++
	t := &recordingTrack{}
	f.tracks = append(f.tracks, t)
	return t, func() error { f.unpublished++; return nil }, nil
}

func TestSpeakerPublishesOnFirstChunkAndSplitsFrames(t *testing.T) {
	room := &fakeRoom{}
	s := newSpeaker(room.publish)
	ctx := context.Background()

	if err := s.SendAudioChunk(ctx, make([]byte, 800)); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	if err := s.SendAudioChunk(ctx, make([]byte, 100)); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	if room.published != 1 {
		t.Fatalf("published = %d, want 1", room.published)
	}
	samples := room.tracks[0].samples
	if len(samples) != 6 {
		t.Fatalf("samples = %d, want 6", len(samples))
	}
	if len(samples[0].Data) != 160 || samples[0].Duration != frameDuration {
		t.Fatalf("first sample = %d bytes / %s, want 160 bytes / %s", len(samples[0].Data), samples[0].Duration, frameDuration)
	}
	if len(samples[5].Data) != 100 {
		t.Fatalf("last sample = %d bytes, want 100", len(samples[5].Data))
	}
}

func TestSpeakerUnpublishesOnlyOnInterrupt(t *testing.T) {
	room := &fakeRoom{}
	s := newSpeaker(room.publish)
	ctx := context.Background()

	_ = s.SendAudioChunk(ctx, make([]byte, 160))
	if err := s.Stop(ctx, outbound.StopCompleted); err != nil {
		t.Fatalf("Stop(completed) error = %v", err)
	}
	if room.unpublished != 0 {
		t.Fatalf("unpublished after completion = %d, want 0", room.unpublished)
	}

	if err := s.Stop(ctx, outbound.StopInterrupted); err != nil {
		t.Fatalf("Stop(interrupted) error = %v", err)
	}
	if room.unpublished != 1 {
		t.Fatalf("unpublished after interrupt = %d, want 1", room.unpublished)
	}

	_ = s.SendAudioChunk(ctx, make([]byte, 160))
	if room.published != 2 {
		t.Fatalf("published after interrupt = %d, want 2", room.published)
	}
}

func TestSpeakersAreIndependentPerParticipant(t *testing.T) {
	roomA, roomB := &fakeRoom{}, &fakeRoom{}
	a, b := newSpeaker(roomA.publish), newSpeaker(roomB.publish)
	ctx := context.Background()

	_ = a.SendAudioChunk(ctx, make([]byte, 160))
	_ = b.SendAudioChunk(ctx, make([]byte, 160))
	if err := a.Stop(ctx, outbound.StopInterrupted); err != nil {
		t.Fatalf("Stop(interrupted) error = %v", err)
	}
	if roomA.unpublished != 1 || roomB.unpublished != 0 {
		t.Fatalf("unpublished a=%d b=%d, want 1 and 0", roomA.unpublished, roomB.unpublished)
	}
	if err := b.SendAudioChunk(ctx, make([]byte, 160)); err != nil {
		t.Fatalf("SendAudioChunk() on the other speaker error = %v", err)
	}
	if roomB.published != 1 || len(roomB.tracks[0].samples) != 2 {
		t.Fatalf("other speaker republished or lost audio: published=%d", roomB.published)
	}
}

func TestRetiredSpeakerNeverRepublishes(t *testing.T) {
	room := &fakeRoom{}
	s := newSpeaker(room.publish)
	ctx := context.Background()

	_ = s.SendAudioChunk(ctx, make([]byte, 160))
	if err := s.retire(); err != nil {
		t.Fatalf("retire() error = %v", err)
	}
	if err := s.SendAudioChunk(ctx, make([]byte, 160)); !errors.Is(err, errSpeakerRetired) {
		t.Fatalf("SendAudioChunk() after retire error = %v, want errSpeakerRetired", err)
	}
	if room.published != 1 || room.unpublished != 1 {
		t.Fatalf("published=%d unpublished=%d, want 1 and 1", room.published, room.unpublished)
	}
}

func TestSpeakerPublishFailure(t *testing.T) {
	room := &fakeRoom{fail: errors.New("not connected")}
	s := newSpeaker(room.publish)
	if err := s.SendAudioChunk(context.Background(), make([]byte, 160)); err == nil {
		t.Fatalf("SendAudioChunk() error = nil, want publish failure")
	}
	if err := s.Stop(context.Background(), outbound.StopInterrupted); err != nil {
		t.Fatalf("Stop() with nothing published error = %v", err)
	}
}

func TestParseChat(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{name: "chat", in: `{"type":"chat","content":" where is my order? "}`, want: "where is my order?", ok: true},
		{name: "other type", in: `{"type":"typing","content":"x"}`},
		{name: "empty content", in: `{"type":"chat","content":"  "}`},
		{name: "not json", in: `hello`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseChat([]byte(tc.in))
			if got != tc.want || ok != tc.ok {
				t.Fatalf("parseChat() = %q, %t, want %q, %t", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestDataSenderWrapsReply(t *testing.T) {
	var sent []byte
	d := &dataSender{publish: func(b []byte) error { sent = b; return nil }}
	if err := d.SendText(context.Background(), "Your order shipped."); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	var pkt chatPacket
	if err := json.Unmarshal(sent, &pkt); err != nil {
		t.Fatalf("decode packet: %v", err)
	}
	if pkt.Type != "chat" || pkt.Content != "Your order shipped." {
		t.Fatalf("packet = %+v", pkt)
	}
}

type sinkFunc func([]byte) error

func (f sinkFunc) FeedAudio(b []byte) error { return f(b) }

func TestFeederDropsAudioWhilePathIsDown(t *testing.T) {
	f := feeder{sink: sinkFunc(func([]byte) error { return voice.ErrNoAudio })}
	if n, err := f.Write([]byte{1, 2, 3}); err != nil || n != 3 {
		t.Fatalf("Write() = %d, %v, want 3, nil", n, err)
	}

	broken := errors.New("transcoder gone")
	f = feeder{sink: sinkFunc(func([]byte) error { return broken })}
	if _, err := f.Write([]byte{1}); !errors.Is(err, broken) {
		t.Fatalf("Write() error = %v, want %v", err, broken)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{URL: "wss://lk", APIKey: "k", APISecret: "s", Room: "r"}).validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if err := (Config{URL: "wss://lk"}).validate(); err == nil {
		t.Fatalf("validate() error = nil for missing credentials")
	}
}
