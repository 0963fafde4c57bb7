package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type DeepgramConfig struct {
	APIKey      string
	URL         string
	Model       string
	Language    string
	SampleRate  int
	Endpointing int
}

// Deepgram dials the live listen endpoint with linear16 mono audio.
type Deepgram struct {
	cfg DeepgramConfig
}

func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.deepgram.com/v1/listen"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-3"
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Endpointing <= 0 {
		cfg.Endpointing = 200
	}
	return &Deepgram{cfg: cfg}
}

func (d *Deepgram) endpoint() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("language", d.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", strconv.Itoa(d.cfg.Endpointing))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Deepgram) Dial(ctx context.Context) (Conn, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("dial deepgram websocket: %w", err)
	}
	c := &deepgramConn{conn: conn, results: make(chan Result, 64), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

type deepgramConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	results   chan Result
}

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *deepgramConn) SendAudio(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *deepgramConn) SendControl(ctl Control) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(map[string]string{"type": string(ctl)})
}

func (c *deepgramConn) Results() <-chan Result { return c.results }

func (c *deepgramConn) readLoop() {
	defer close(c.results)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		r, ok := parseDeepgram(data)
		if !ok {
			continue
		}
		select {
		case c.results <- r:
		case <-c.done:
			return
		}
	}
}

func parseDeepgram(data []byte) (Result, bool) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Result{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		// Metadata, SpeechStarted and UtteranceEnd carry no text.
		return Result{}, false
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	if text == "" {
		return Result{}, false
	}
	if msg.IsFinal {
		return Result{Type: ResultFinal, Text: text}, true
	}
	return Result{Type: ResultInterim, Text: text}, true
}

// Close unblocks the read loop, which closes Results on its way out.
func (c *deepgramConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		retErr = c.conn.Close()
	})
	return retErr
}
