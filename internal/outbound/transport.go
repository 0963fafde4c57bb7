package outbound

import "context"

// StopReason tells a transport why playback ended.
type StopReason int

const (
	// StopCompleted means every chunk was sent.
	StopCompleted StopReason = iota
	// StopInterrupted means playback was cut short; queued audio should be discarded.
	StopInterrupted
)

func (r StopReason) String() string {
	switch r {
	case StopCompleted:
		return "completed"
	case StopInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// OutboundTransport is where paced audio goes. Stop is called exactly once per
// stream and must release anything published for it.
type OutboundTransport interface {
	SendAudioChunk(ctx context.Context, chunk []byte) error
	Stop(ctx context.Context, reason StopReason) error
}
