// Package livekit joins a LiveKit room as the agent. Each remote participant
// gets its own session: microphone audio feeds the voice pipeline, replies are
// played on a PCMU track and chat travels over reliable data packets.
package livekit

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/voice"
)

const agentTrackName = "agent-voice"

type Config struct {
	URL       string
	APIKey    string
	APISecret string
	Identity  string
	Room      string
}

func (c Config) validate() error {
	var missing []string
	for _, f := range [][2]string{
		{"url", c.URL},
		{"api key", c.APIKey},
		{"api secret", c.APISecret},
		{"room", c.Room},
	} {
		if strings.TrimSpace(f[1]) == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return errors.New("livekit: missing " + strings.Join(missing, ", "))
	}
	return nil
}

type Agent struct {
	cfg      Config
	sessions *session.Manager
	hub      *voice.Hub
	prompt   string
	tools    []conversation.ToolDescriptor

	ctx  context.Context
	room *lksdk.Room

	mu    sync.Mutex
	peers map[string]*peer
}

// peer is one remote participant and the session it talks to. Each peer has
// its own agent track so one caller's interruption never cuts another off.
type peer struct {
	identity string
	ref      string
	sess     *session.Session
	pipe     *voice.Pipeline
	speaker  *speaker
	audioOn  bool
}

func NewAgent(cfg Config, sessions *session.Manager, hub *voice.Hub, prompt string, tools []conversation.ToolDescriptor) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Identity == "" {
		cfg.Identity = "voicegate-agent"
	}
	a := &Agent{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		prompt:   prompt,
		tools:    tools,
		peers:    make(map[string]*peer),
	}
	return a, nil
}

// Run stays in the room until ctx ends, then releases every session it
// opened.
func (a *Agent) Run(ctx context.Context) error {
	a.ctx = ctx
	callback := &lksdk.RoomCallback{
		OnParticipantDisconnected: a.onParticipantLeft,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: a.onTrackSubscribed,
			OnDataReceived:    a.onData,
		},
	}
	room, err := lksdk.ConnectToRoom(a.cfg.URL, lksdk.ConnectInfo{
		APIKey:              a.cfg.APIKey,
		APISecret:           a.cfg.APISecret,
		RoomName:            a.cfg.Room,
		ParticipantIdentity: a.cfg.Identity,
		ParticipantName:     a.cfg.Identity,
	}, callback)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.room = room
	a.mu.Unlock()
	log.Printf("[livekit] joined room=%s as %s", a.cfg.Room, a.cfg.Identity)

	<-ctx.Done()

	a.mu.Lock()
	peers := make([]*peer, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	a.peers = make(map[string]*peer)
	a.mu.Unlock()
	for _, p := range peers {
		a.release(p)
	}
	room.Disconnect()
	log.Printf("[livekit] left room=%s", a.cfg.Room)
	return nil
}

func (a *Agent) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio || rp.Identity() == a.cfg.Identity {
		return
	}
	if pub.Source() != livekit.TrackSource_MICROPHONE {
		log.Printf("[livekit] ignoring %s audio from %s", pub.Source(), rp.Identity())
		return
	}
	p, created, err := a.ensurePeer(rp, a.startAudio)
	if err != nil {
		log.Printf("[livekit] participant=%s session failed: %v", rp.Identity(), err)
		return
	}
	if !created {
		// The participant chatted first; its session already exists.
		if err := a.startAudio(a.ctx, p.sess); err != nil {
			log.Printf("[livekit] session=%s audio path unavailable: %v", p.sess.ID, err)
			return
		}
	}
	p.sess.RegisterChannel(session.ChannelAudio, session.ChannelRef{Audio: p.speaker})
	a.mu.Lock()
	p.audioOn = true
	a.mu.Unlock()
	_ = p.pipe.Greet(session.ChannelAudio)
	go a.pump(track, p)
}

// startAudio runs the inbound audio path of s. It is the session setup step
// for participants that join with a microphone, so a session whose audio
// cannot start is never indexed.
func (a *Agent) startAudio(ctx context.Context, s *session.Session) error {
	_, err := a.hub.StartAudio(ctx, s, audio.WebRTCOpus)
	if errors.Is(err, voice.ErrNoRecognizer) {
		log.Printf("[livekit] session=%s inbound audio disabled: %v", s.ID, err)
		return nil
	}
	return err
}

// pump muxes the participant's Opus RTP into Ogg pages for the transcoder.
func (a *Agent) pump(track *webrtc.TrackRemote, p *peer) {
	ogg, err := oggwriter.NewWith(feeder{sink: p.pipe}, uint32(audio.WebRTCOpus.SampleRate), uint16(audio.WebRTCOpus.Channels))
	if err != nil {
		log.Printf("[livekit] session=%s ogg writer: %v", p.sess.ID, err)
		return
	}
	defer ogg.Close()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[livekit] session=%s read rtp: %v", p.sess.ID, err)
			}
			return
		}
		if err := ogg.WriteRTP(pkt); err != nil {
			log.Printf("[livekit] session=%s mux rtp: %v", p.sess.ID, err)
			return
		}
	}
}

func (a *Agent) onData(data []byte, rp *lksdk.RemoteParticipant) {
	text, ok := parseChat(data)
	if !ok {
		return
	}
	p, _, err := a.ensurePeer(rp, nil)
	if err != nil {
		log.Printf("[livekit] participant=%s session failed: %v", rp.Identity(), err)
		return
	}
	if err := p.pipe.SubmitText(text, session.ChannelChat); err != nil {
		log.Printf("[livekit] session=%s submit text: %v", p.sess.ID, err)
	}
}

func (a *Agent) onParticipantLeft(rp *lksdk.RemoteParticipant) {
	a.mu.Lock()
	p, ok := a.peers[rp.Identity()]
	delete(a.peers, rp.Identity())
	a.mu.Unlock()
	if ok {
		a.release(p)
	}
}

// ensurePeer returns the live session of a participant, opening one on first
// contact with setup as its setup step. Sessions ended elsewhere are replaced.
// The bool reports whether the peer was created by this call.
func (a *Agent) ensurePeer(rp *lksdk.RemoteParticipant, setup func(context.Context, *session.Session) error) (*peer, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	identity := rp.Identity()
	if p, ok := a.peers[identity]; ok {
		select {
		case <-p.sess.Done():
			_ = p.speaker.retire()
		default:
			return p, false, nil
		}
	}

	ref := "livekit-" + a.cfg.Room + "-" + identity
	sess, reused, err := a.sessions.Create(a.ctx, session.CreateParams{
		TransportRef: ref,
		UserIdentity: identity,
		DisplayName:  rp.Name(),
		Prompt:       a.prompt,
		Tools:        a.tools,
		Setup:        setup,
	})
	if err != nil {
		return nil, false, err
	}
	if reused && setup != nil {
		// Setup only runs for fresh sessions.
		if err := setup(a.ctx, sess); err != nil {
			_ = a.sessions.Release(context.Background(), ref)
			return nil, false, err
		}
	}
	p := &peer{
		identity: identity,
		ref:      ref,
		sess:     sess,
		pipe:     a.hub.Ensure(sess),
		speaker:  newSpeaker(a.trackPublisher(identity)),
	}
	sess.RegisterChannel(session.ChannelChat, session.ChannelRef{Text: &dataSender{publish: a.dataPublisher(identity)}})
	a.peers[identity] = p
	log.Printf("[livekit] session=%s participant=%s joined reused=%t", sess.ID, identity, reused)
	return p, true, nil
}

func (a *Agent) release(p *peer) {
	if err := a.sessions.Release(context.Background(), p.ref); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("[livekit] session=%s release: %v", p.sess.ID, err)
	}
	if _, err := a.sessions.Get(p.sess.ID); err == nil && p.audioOn {
		p.pipe.StopAudio()
	}
	if err := p.speaker.retire(); err != nil {
		log.Printf("[livekit] session=%s unpublish: %v", p.sess.ID, err)
	}
	log.Printf("[livekit] session=%s participant=%s left", p.sess.ID, p.identity)
}

func (a *Agent) localParticipant() (*lksdk.LocalParticipant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.room == nil {
		return nil, errors.New("livekit: not connected")
	}
	return a.room.LocalParticipant, nil
}

// dataPublisher sends reliable data packets to one participant only.
func (a *Agent) dataPublisher(identity string) func([]byte) error {
	return func(payload []byte) error {
		lp, err := a.localParticipant()
		if err != nil {
			return err
		}
		return lp.PublishData(payload,
			lksdk.WithDataPublishReliable(true),
			lksdk.WithDataPublishDestination([]string{identity}),
		)
	}
}

// trackPublisher publishes the agent's PCMU track for one participant.
func (a *Agent) trackPublisher(identity string) publishFunc {
	name := agentTrackName + "-" + identity
	return func() (sampleTrack, func() error, error) {
		lp, err := a.localParticipant()
		if err != nil {
			return nil, nil, err
		}
		track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: uint32(audio.Telephony.SampleRate),
			Channels:  uint16(audio.Telephony.Channels),
		})
		if err != nil {
			return nil, nil, err
		}
		pub, err := lp.PublishTrack(track, &lksdk.TrackPublicationOptions{
			Name:   name,
			Source: livekit.TrackSource_MICROPHONE,
		})
		if err != nil {
			return nil, nil, err
		}
		return track, func() error { return lp.UnpublishTrack(pub.SID()) }, nil
	}
}
