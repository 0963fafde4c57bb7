package livekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/outbound"
	"github.com/ent0n29/voicegate/internal/voice"
)

// frameDuration is the RTP packetization interval of the agent track.
const frameDuration = 20 * time.Millisecond

type sampleTrack interface {
	WriteSample(sample media.Sample, opts *lksdk.SampleWriteOptions) error
}

type publishFunc func() (track sampleTrack, unpublish func() error, err error)

// speaker plays μ-law replies on a PCMU track. The track is published on the
// first chunk and unpublished on interruption so nothing buffered keeps
// playing.
type speaker struct {
	publish publishFunc

	mu        sync.Mutex
	track     sampleTrack
	unpublish func() error
	retired   bool
}

var errSpeakerRetired = errors.New("participant left the room")

func newSpeaker(publish publishFunc) *speaker {
	return &speaker{publish: publish}
}

func (s *speaker) SendAudioChunk(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return errSpeakerRetired
	}
	if s.track == nil {
		track, unpublish, err := s.publish()
		if err != nil {
			return fmt.Errorf("publish agent track: %w", err)
		}
		s.track, s.unpublish = track, unpublish
	}
	frame := int(frameDuration.Seconds() * float64(audio.Telephony.BytesPerSecond()))
	for len(chunk) > 0 {
		n := min(frame, len(chunk))
		sample := media.Sample{Data: chunk[:n], Duration: audio.Telephony.Duration(n)}
		if err := s.track.WriteSample(sample, nil); err != nil {
			return err
		}
		chunk = chunk[n:]
	}
	return nil
}

func (s *speaker) Stop(_ context.Context, reason outbound.StopReason) error {
	if reason != outbound.StopInterrupted {
		return nil
	}
	return s.close()
}

// retire unpublishes the track for good. Later chunks fail instead of
// publishing a track nobody listens to.
func (s *speaker) retire() error {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
	return s.close()
}

func (s *speaker) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unpublish == nil {
		return nil
	}
	err := s.unpublish()
	s.track, s.unpublish = nil, nil
	return err
}

// chatPacket is the data message shape room clients exchange.
type chatPacket struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

const chatType = "chat"

func parseChat(data []byte) (string, bool) {
	var pkt chatPacket
	if err := json.Unmarshal(data, &pkt); err != nil {
		return "", false
	}
	text := strings.TrimSpace(pkt.Content)
	if pkt.Type != chatType || text == "" {
		return "", false
	}
	return text, true
}

// dataSender delivers chat replies as reliable data packets.
type dataSender struct {
	publish func([]byte) error
}

func (d *dataSender) SendText(_ context.Context, text string) error {
	payload, err := json.Marshal(chatPacket{Type: chatType, Content: text})
	if err != nil {
		return err
	}
	return d.publish(payload)
}

type audioSink interface {
	FeedAudio(chunk []byte) error
}

// feeder adapts the pipeline to the io.Writer the Ogg muxer expects. Audio
// that arrives while the audio path is down is dropped.
type feeder struct {
	sink audioSink
}

func (f feeder) Write(b []byte) (int, error) {
	if err := f.sink.FeedAudio(b); err != nil && !errors.Is(err, voice.ErrNoAudio) {
		return 0, err
	}
	return len(b), nil
}
