package voice

import (
	"github.com/ent0n29/voicegate/internal/outbound"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/stt"
	"github.com/ent0n29/voicegate/internal/vad"
)

// EventKind tags what a pipeline event carries.
type EventKind int

const (
	// EventSpeech carries a VAD boundary or a speech chunk.
	EventSpeech EventKind = iota + 1
	// EventTranscript carries an interim, final or error recognizer result.
	EventTranscript
	// EventGraceExpired fires when the turn grace timer runs out.
	EventGraceExpired
	// EventResponseDone reports that an outbound playback has ended.
	EventResponseDone
	// EventText is a typed user message from a text channel.
	EventText
	// EventGreet asks the agent to open the conversation.
	EventGreet
	// EventLegFailed reports that an audio subprocess or the recognizer died.
	EventLegFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSpeech:
		return "speech"
	case EventTranscript:
		return "transcript"
	case EventGraceExpired:
		return "grace_expired"
	case EventResponseDone:
		return "response_done"
	case EventText:
		return "text"
	case EventGreet:
		return "greet"
	case EventLegFailed:
		return "leg_failed"
	default:
		return "unknown"
	}
}

// Event is the single message type of the per-session loop. Only the fields
// matching Kind are set.
type Event struct {
	Kind EventKind

	Speech vad.Event
	Result stt.Result

	// Gen identifies the grace arming or the audio leg generation.
	Gen uint64

	Stream *outbound.Handle

	Text    string
	Channel session.ChannelKind

	Leg string
	Err error
}
