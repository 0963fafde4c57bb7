package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voicegate/internal/reliability"
)

type DeepgramConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	SampleRate int
	ReadSize   int
}

// DeepgramSpeak calls the Aura REST endpoint for raw linear16 audio.
type DeepgramSpeak struct {
	cfg    DeepgramConfig
	client *http.Client
}

func NewDeepgramSpeak(cfg DeepgramConfig) (*DeepgramSpeak, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "aura-2-thalia-en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 1600
	}
	return &DeepgramSpeak{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (d *DeepgramSpeak) endpoint() string {
	q := url.Values{}
	q.Set("model", d.cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("container", "none")
	return strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/speak?" + q.Encode()
}

func (d *DeepgramSpeak) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return collect(ctx, text, d.SynthesizeStreaming)
}

func (d *DeepgramSpeak) SynthesizeStreaming(ctx context.Context, text string, onChunk func([]byte) error) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("speak request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify(fmt.Errorf("speak request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), reliability.IsRetryableHTTPStatus(resp.StatusCode))
	}

	sink := &alignedSink{onChunk: onChunk}
	buf := make([]byte, d.cfg.ReadSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := sink.write(chunk); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return sink.flush()
		}
		if err != nil {
			return fmt.Errorf("read speak body: %w", err)
		}
	}
}
