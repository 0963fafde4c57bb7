package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/voicegate/internal/conversation"
)

// Inbound events shared by the Twilio media stream and the chat socket.
const (
	EventConnected    = "connected"
	EventStart        = "start"
	EventMedia        = "media"
	EventMark         = "mark"
	EventStop         = "stop"
	EventChangePrompt = "change_prompt"
	EventClear        = "clear"
)

// Outbound message types.
const (
	TypeChat              = "chat"
	TypeSessionStarted    = "session_started"
	TypeCurrentPrompt     = "current_prompt"
	TypeTextResponse      = "text_response"
	TypeInterimTranscript = "interim_transcript"
	TypeFinalTranscript   = "final_transcript"
	TypeError             = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type envelope struct {
	Event     string          `json:"event"`
	Type      string          `json:"type,omitempty"`
	StreamSID string          `json:"streamSid,omitempty"`
	Start     *startPayload   `json:"start,omitempty"`
	Media     *MediaPayload   `json:"media,omitempty"`
	Mark      *MarkPayload    `json:"mark,omitempty"`
	UserData  string          `json:"userData,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// Connected is Twilio's first frame.
type Connected struct{}

// Start opens a stream. Caller is the phone number or user handle that
// identifies the user; Tools lists tool names the client selected.
type Start struct {
	StreamSID string
	CallSID   string
	Caller    string
	Prompt    string
	Tools     []string
}

// Media is inbound μ-law audio.
type Media struct {
	StreamSID string
	Audio     []byte
}

// ChatText is a typed message carried in a media frame.
type ChatText struct {
	Text string
}

type Mark struct {
	Name string
}

type Stop struct{}

type ChangePrompt struct {
	Prompt string
	Tools  []string
}

// ParseInbound decodes a client frame into one of the message structs above.
func ParseInbound(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		return Connected{}, nil
	case EventStart:
		return parseStart(env)
	case EventMedia:
		if env.Media == nil || env.Media.Payload == "" {
			return nil, errors.New("invalid media: empty payload")
		}
		if env.Type == TypeChat {
			return ChatText{Text: env.Media.Payload}, nil
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("invalid media payload: %w", err)
		}
		return Media{StreamSID: env.StreamSID, Audio: audio}, nil
	case EventMark:
		if env.Mark == nil {
			return Mark{}, nil
		}
		return Mark{Name: env.Mark.Name}, nil
	case EventStop:
		return Stop{}, nil
	case EventChangePrompt:
		tools, err := toolNames(env.Tools)
		if err != nil {
			return nil, err
		}
		return ChangePrompt{Prompt: env.Prompt, Tools: tools}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func parseStart(env envelope) (Start, error) {
	msg := Start{StreamSID: env.StreamSID, Caller: env.UserData, Prompt: env.Prompt}
	if env.Start != nil {
		if msg.StreamSID == "" {
			msg.StreamSID = env.Start.StreamSID
		}
		msg.CallSID = env.Start.CallSID
		params := env.Start.CustomParameters
		for _, key := range []string{"caller", "phone", "userData"} {
			if msg.Caller == "" {
				msg.Caller = strings.TrimSpace(params[key])
			}
		}
		if msg.Prompt == "" {
			msg.Prompt = params["prompt"]
		}
	}
	tools, err := toolNames(env.Tools)
	if err != nil {
		return Start{}, err
	}
	msg.Tools = tools
	return msg, nil
}

// toolNames accepts either ["name", ...] or [{"name": ...}, ...].
func toolNames(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("invalid tools: %w", err)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("invalid tool entry: %w", err)
		}
		if obj.Name != "" {
			names = append(names, obj.Name)
		}
	}
	return names, nil
}

// OutboundMedia plays μ-law audio on a Twilio stream.
type OutboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

func NewOutboundMedia(streamSID string, mulaw []byte) OutboundMedia {
	return OutboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

// Clear drops audio Twilio has buffered but not yet played.
type Clear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewClear(streamSID string) Clear {
	return Clear{Event: EventClear, StreamSID: streamSID}
}

type OutboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

func NewMark(streamSID, name string) OutboundMark {
	return OutboundMark{Event: EventMark, StreamSID: streamSID, Mark: MarkPayload{Name: name}}
}

type SessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reused    bool   `json:"reused"`
}

type CurrentPrompt struct {
	Type      string                        `json:"type"`
	StreamSID string                        `json:"streamSid,omitempty"`
	Prompt    string                        `json:"prompt"`
	Functions []conversation.ToolDescriptor `json:"functions"`
}

// TextResponse is an assistant reply on a text channel.
type TextResponse struct {
	Event string       `json:"event"`
	Type  string       `json:"type"`
	Media MediaPayload `json:"media"`
}

func NewTextResponse(text string) TextResponse {
	return TextResponse{Event: EventMedia, Type: TypeTextResponse, Media: MediaPayload{Payload: text}}
}

type Transcript struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
}

func NewTranscript(text string, final bool) Transcript {
	t := Transcript{Type: TypeInterimTranscript, Transcript: text}
	if final {
		t.Type = TypeFinalTranscript
		t.IsFinal = true
	}
	return t
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewError(detail string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: detail}
}
