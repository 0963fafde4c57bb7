package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/gorilla/websocket"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	VoiceID      string
	ModelID      string
	OutputFormat string

	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

// ElevenLabs streams text into the stream-input websocket and reads PCM back.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabs(cfg ElevenLabsConfig) (*ElevenLabs, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, fmt.Errorf("elevenlabs voice_id is required")
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_8000"
	}
	cfg.Stability = clampSetting(cfg.Stability, 0.42, 0, 1)
	cfg.SimilarityBoost = clampSetting(cfg.SimilarityBoost, 0.85, 0, 1)
	cfg.Speed = clampSetting(cfg.Speed, 1.0, 0.7, 1.2)
	return &ElevenLabs{cfg: cfg, dialer: websocket.DefaultDialer}, nil
}

func clampSetting(v, def, lo, hi float64) float64 {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *ElevenLabs) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(e.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(e.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", e.cfg.ModelID)
	q.Set("output_format", e.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return collect(ctx, text, e.SynthesizeStreaming)
}

func (e *ElevenLabs) SynthesizeStreaming(ctx context.Context, text string, onChunk func([]byte) error) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	endpoint, err := e.endpoint()
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("xi-api-key", e.cfg.APIKey)

	conn, resp, err := e.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return classify(fmt.Errorf("dial tts websocket: status %d: %w", resp.StatusCode, err), reliability.IsRetryableHTTPStatus(resp.StatusCode))
		}
		return fmt.Errorf("dial tts websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// Prime with voice settings, send the text, then close input so the
	// backend flushes and marks the last message final.
	for _, msg := range []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        e.cfg.Stability,
				"similarity_boost": e.cfg.SimilarityBoost,
				"speed":            e.cfg.Speed,
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send tts input: %w", err)
		}
	}

	sink := &alignedSink{onChunk: onChunk}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return sink.flush()
			}
			return fmt.Errorf("read tts stream: %w", err)
		}
		final, err := e.handleMessage(data, sink)
		if err != nil {
			return err
		}
		if final {
			return sink.flush()
		}
	}
}

type elevenMessage struct {
	Audio       string `json:"audio"`
	IsFinal     bool   `json:"isFinal"`
	Error       string `json:"error"`
	MessageType string `json:"message_type"`
}

func (e *ElevenLabs) handleMessage(data []byte, sink *alignedSink) (bool, error) {
	var msg elevenMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false, nil
	}
	if msg.Error != "" {
		return false, classify(fmt.Errorf("elevenlabs %s: %s", msg.MessageType, msg.Error), reliability.IsRetryableRealtimeMessageType(msg.MessageType))
	}
	if msg.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return false, fmt.Errorf("decode tts audio: %w", err)
		}
		if err := sink.write(pcm); err != nil {
			return false, err
		}
	}
	return msg.IsFinal, nil
}
