package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/voice"
)

const (
	transportTwilio = "twilio"
	transportChat   = "chat"
)

// connection is the per-socket state of a Twilio media stream or a chat
// client. It is only touched from the read loop.
type connection struct {
	srv       *Server
	ws        *wsConn
	transport string
	ctx       context.Context

	sess      *session.Session
	pipe      *voice.Pipeline
	ref       string
	streamSID string
	chatBound bool
}

func (s *Server) handleTwilioWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, transportTwilio)
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, transportChat)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, transport string) {
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice pipeline not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws := newWSConn(conn, transport, s.metrics)
	defer ws.shutdown()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{srv: s, ws: ws, transport: transport, ctx: ctx}
	s.metrics.SessionEvent(transport + "_connected")

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseInbound(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				continue
			}
			c.sendError(err.Error())
			continue
		}
		s.metrics.WSMessage("inbound", inboundType(parsed))
		if !c.handle(parsed) {
			break
		}
	}

	c.finish()
	s.metrics.SessionEvent(transport + "_disconnected")
}

// handle applies one inbound message and reports whether to keep reading.
func (c *connection) handle(msg any) bool {
	switch m := msg.(type) {
	case protocol.Start:
		return c.start(m)
	case protocol.Media:
		if c.pipe == nil {
			return true
		}
		if err := c.pipe.FeedAudio(m.Audio); err != nil && !errors.Is(err, voice.ErrNoAudio) {
			log.Printf("[httpapi] session=%s feed audio: %v", c.sess.ID, err)
		}
	case protocol.ChatText:
		if c.pipe == nil {
			c.sendError("session not started")
			return true
		}
		c.bindChat()
		if err := c.pipe.SubmitText(m.Text, session.ChannelChat); err != nil {
			log.Printf("[httpapi] session=%s submit text: %v", c.sess.ID, err)
		}
	case protocol.ChangePrompt:
		if c.sess == nil {
			c.sendError("session not started")
			return true
		}
		var tools []conversation.ToolDescriptor
		if len(m.Tools) > 0 {
			tools = c.srv.resolveTools(m.Tools)
		}
		c.sess.UpdatePrompt(m.Prompt, tools)
		log.Printf("[httpapi] session=%s prompt updated", c.sess.ID)
		c.sendPrompt()
	case protocol.Stop:
		return false
	case protocol.Connected, protocol.Mark:
	}
	return true
}

// start opens or joins a session. It reports whether the socket stays open.
func (c *connection) start(m protocol.Start) bool {
	if c.sess != nil {
		log.Printf("[httpapi] session=%s duplicate start ignored", c.sess.ID)
		return true
	}
	ref := m.StreamSID
	if c.transport == transportChat || ref == "" {
		ref = c.transport + "-" + uuid.NewString()
	}
	params := session.CreateParams{
		TransportRef: ref,
		UserIdentity: m.Caller,
		Prompt:       c.srv.resolvePrompt(m.Prompt),
		Tools:        c.srv.resolveTools(m.Tools),
	}
	if c.transport == transportTwilio {
		// A fresh call is only indexed once its audio path runs.
		params.Setup = c.srv.startAudio
	}
	sess, reused, err := c.srv.sessions.Create(c.ctx, params)
	if err != nil {
		log.Printf("[httpapi] %s start failed: %v", c.transport, err)
		c.sendError("could not start session")
		return c.transport == transportChat
	}
	if c.transport == transportTwilio && reused {
		if err := c.srv.startAudio(c.ctx, sess); err != nil {
			log.Printf("[httpapi] session=%s %s join failed: %v", sess.ID, c.transport, err)
			c.srv.release(ref, sess.ID)
			c.sendError("could not start session")
			return false
		}
	}
	c.sess, c.ref, c.streamSID = sess, ref, m.StreamSID
	c.pipe = c.srv.hub.Ensure(sess)
	c.srv.metrics.SessionOpened(c.transport)
	go c.closeOnEnd(sess)
	log.Printf("[httpapi] session=%s %s started ref=%s reused=%t", sess.ID, c.transport, ref, reused)

	if c.transport == transportChat {
		c.bindChat()
		_ = c.ws.send(c.ctx, protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: sess.ID, Reused: reused})
		c.sendPrompt()
		c.greet(session.ChannelChat)
		return true
	}

	sess.RegisterChannel(session.ChannelAudio, session.ChannelRef{
		Audio: &twilioTransport{ws: c.ws, streamSID: m.StreamSID},
	})
	c.sendPrompt()
	c.greet(session.ChannelAudio)
	return true
}

// startAudio runs the telephony audio path of sess. Without a configured
// recognizer the call continues with outbound audio only.
func (s *Server) startAudio(ctx context.Context, sess *session.Session) error {
	_, err := s.hub.StartAudio(ctx, sess, audio.Telephony)
	if errors.Is(err, voice.ErrNoRecognizer) {
		log.Printf("[httpapi] session=%s inbound audio disabled: %v", sess.ID, err)
		return nil
	}
	if err != nil {
		s.metrics.ProviderError("audio_leg", "start")
	}
	return err
}

// bindChat makes this socket the session's chat channel.
func (c *connection) bindChat() {
	if c.chatBound {
		return
	}
	c.chatBound = true
	c.sess.RegisterChannel(session.ChannelChat, session.ChannelRef{Text: &chatSender{ws: c.ws}})
}

func (c *connection) greet(channel session.ChannelKind) {
	if err := c.pipe.Greet(channel); err != nil {
		log.Printf("[httpapi] session=%s greet: %v", c.sess.ID, err)
	}
}

func (c *connection) sendPrompt() {
	_ = c.ws.send(c.ctx, protocol.CurrentPrompt{
		Type:      protocol.TypeCurrentPrompt,
		StreamSID: c.streamSID,
		Prompt:    c.sess.SystemPrompt(),
		Functions: c.sess.Tools(),
	})
}

func (c *connection) sendError(detail string) {
	_ = c.ws.send(c.ctx, protocol.NewError(detail))
}

// closeOnEnd hangs up the socket when the session is destroyed elsewhere,
// for example by the agent ending the call.
func (c *connection) closeOnEnd(sess *session.Session) {
	select {
	case <-sess.Done():
		c.ws.close()
	case <-c.ctx.Done():
	}
}

func (c *connection) finish() {
	if c.sess == nil {
		return
	}
	alive := c.srv.release(c.ref, c.sess.ID)
	if alive && c.transport == transportTwilio {
		c.pipe.StopAudio()
	}
	c.srv.metrics.SessionClosed(c.transport)
	log.Printf("[httpapi] session=%s %s closed, session alive=%t", c.sess.ID, c.transport, alive)
}
