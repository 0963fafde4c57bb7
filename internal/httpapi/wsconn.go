package httpapi

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/outbound"
	"github.com/ent0n29/voicegate/internal/protocol"
)

var errConnClosed = errors.New("websocket closed")

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 120 * time.Second
	outboundBuffer = 256
	flushTimeout   = time.Second

	// Twilio keeps playing buffered audio after a clear unless it gets
	// something newer, so an interruption is followed by a little silence.
	interruptSilenceFrames  = 3
	interruptSilenceSamples = 80
	completionMark          = "response-complete"
)

// wsConn serializes writes to one websocket through a single goroutine.
type wsConn struct {
	conn      *websocket.Conn
	transport string
	metrics   *observability.Metrics

	out        chan any
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newWSConn(conn *websocket.Conn, transport string, metrics *observability.Metrics) *wsConn {
	c := &wsConn{
		conn:       conn,
		transport:  transport,
		metrics:    metrics,
		out:        make(chan any, outboundBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if _, ok := msg.(closeFrame); ok {
				frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeTimeout))
				c.close()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("[httpapi] %s websocket write failed: %v", c.transport, err)
				c.close()
				return
			}
			c.metrics.WSMessage("outbound", outboundType(msg))
		}
	}
}

func (c *wsConn) send(ctx context.Context, msg any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// closeFrame is queued behind pending messages so they go out before the
// socket closes.
type closeFrame struct{}

// shutdown flushes queued messages, closes the socket and waits for the
// writer to exit.
func (c *wsConn) shutdown() {
	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()
	select {
	case c.out <- closeFrame{}:
		select {
		case <-c.writerDone:
		case <-timer.C:
		}
	case <-c.done:
	case <-timer.C:
	}
	c.close()
	<-c.writerDone
}

// twilioTransport plays μ-law audio on a Twilio media stream.
type twilioTransport struct {
	ws        *wsConn
	streamSID string
}

func (t *twilioTransport) SendAudioChunk(ctx context.Context, chunk []byte) error {
	return t.ws.send(ctx, protocol.NewOutboundMedia(t.streamSID, chunk))
}

func (t *twilioTransport) Stop(ctx context.Context, reason outbound.StopReason) error {
	if reason != outbound.StopInterrupted {
		return t.ws.send(ctx, protocol.NewMark(t.streamSID, completionMark))
	}
	if err := t.ws.send(ctx, protocol.NewClear(t.streamSID)); err != nil {
		return err
	}
	silence := audio.MulawSilenceFrame(interruptSilenceSamples)
	for range interruptSilenceFrames {
		if err := t.ws.send(ctx, protocol.NewOutboundMedia(t.streamSID, silence)); err != nil {
			return err
		}
	}
	return nil
}

// chatSender delivers replies and live captions to a chat socket.
type chatSender struct {
	ws *wsConn
}

func (c *chatSender) SendText(ctx context.Context, text string) error {
	return c.ws.send(ctx, protocol.NewTextResponse(text))
}

func (c *chatSender) SendTranscript(ctx context.Context, text string, final bool) error {
	return c.ws.send(ctx, protocol.NewTranscript(text, final))
}

func outboundType(msg any) string {
	switch m := msg.(type) {
	case protocol.OutboundMedia:
		return protocol.EventMedia
	case protocol.Clear:
		return protocol.EventClear
	case protocol.OutboundMark:
		return protocol.EventMark
	case protocol.SessionStarted:
		return protocol.TypeSessionStarted
	case protocol.CurrentPrompt:
		return protocol.TypeCurrentPrompt
	case protocol.TextResponse:
		return protocol.TypeTextResponse
	case protocol.Transcript:
		return m.Type
	case protocol.ErrorMessage:
		return protocol.TypeError
	default:
		return "unknown"
	}
}

func inboundType(msg any) string {
	switch msg.(type) {
	case protocol.Connected:
		return protocol.EventConnected
	case protocol.Start:
		return protocol.EventStart
	case protocol.Media:
		return protocol.EventMedia
	case protocol.ChatText:
		return protocol.TypeChat
	case protocol.Mark:
		return protocol.EventMark
	case protocol.Stop:
		return protocol.EventStop
	case protocol.ChangePrompt:
		return protocol.EventChangePrompt
	default:
		return "unknown"
	}
}
