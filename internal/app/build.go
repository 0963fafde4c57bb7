package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/commerce"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/httpapi"
	"github.com/ent0n29/voicegate/internal/interrupt"
	"github.com/ent0n29/voicegate/internal/memory"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/outbound"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/sms"
	"github.com/ent0n29/voicegate/internal/stt"
	"github.com/ent0n29/voicegate/internal/turn"
	"github.com/ent0n29/voicegate/internal/vad"
	"github.com/ent0n29/voicegate/internal/voice"
)

const seedTimeout = 2 * time.Second

type ProviderInfo struct {
	LLM  string
	TTS  string
	STT  string
	Turn string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Hub      *voice.Hub
	Registry *conversation.Registry
	Metrics  *observability.Metrics
	Store    memory.Store
	Voice    ProviderInfo

	// Cleanup should be called on shutdown to release external resources (DB, timers).
	Cleanup func() error
}

// Build wires every component. ctx bounds the lifetime of session pipelines.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = store.Close()
		return nil, err
	}

	registry := conversation.NewRegistry()
	if strings.TrimSpace(cfg.CommerceAPIURL) != "" {
		client, err := commerce.NewClient(commerce.Config{BaseURL: cfg.CommerceAPIURL, APIKey: cfg.CommerceAPIKey})
		if err != nil {
			return fail(fmt.Errorf("commerce client init failed: %w", err))
		}
		if err := commerce.Register(registry, client); err != nil {
			return fail(fmt.Errorf("commerce tools: %w", err))
		}
	} else {
		log.Printf("[app] COMMERCE_API_URL not set, store tools disabled")
	}

	model, llmName, err := resolveModel(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	engine := conversation.NewEngine(model, registry, conversation.EngineConfig{
		Temperature: float32(cfg.LLMTemperature),
		HistoryCap:  cfg.HistoryCap,
	}, metrics)

	detector, err := turn.New(turn.Strategy(cfg.TurnStrategy), turn.RemoteConfig{
		URL:       cfg.TurnClassifierURL,
		Threshold: cfg.TurnClassifierThreshold,
	})
	if err != nil {
		return fail(fmt.Errorf("turn detector init failed: %w", err))
	}

	speech, err := resolveSynthesizer(cfg)
	if err != nil {
		return fail(err)
	}

	var recognizer stt.Backend
	sttName := "disabled"
	if strings.TrimSpace(cfg.DeepgramAPIKey) != "" {
		recognizer = stt.NewDeepgram(stt.DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			URL:        cfg.DeepgramWSURL,
			Model:      cfg.STTModel,
			SampleRate: audio.Speech.SampleRate,
		})
		sttName = "deepgram " + cfg.STTModel
	} else {
		log.Printf("[app] DEEPGRAM_API_KEY not set, inbound audio disabled")
	}

	interrupts := interrupt.NewController(cfg.InterruptCooldown, metrics.Interrupted)

	hub := voice.NewHub(ctx, voice.Deps{
		Engine:      engine,
		Turns:       detector,
		Synth:       speech.synth,
		Streamer:    outbound.NewStreamer(outbound.Config{}),
		Interrupts:  interrupts,
		Store:       store,
		Metrics:     metrics,
		GracePeriod: cfg.TurnGracePeriod,
		Legs: voice.LegConfig{
			FFmpegPath: cfg.FFmpegPath,
			VAD:        vad.Config{Python: cfg.VADPython, Script: cfg.VADScript},
			STT: stt.Config{
				ChunkBytes:        cfg.STTChunkBytes,
				ReconnectAttempts: cfg.STTReconnectAttempts,
				ReconnectDelay:    cfg.STTReconnectDelay,
			},
			Backend: recognizer,
		},
	})

	var texter *sms.Twilio
	if cfg.SMSEnabled() {
		texter, err = sms.NewTwilio(sms.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFromNumber,
		})
		if err != nil {
			return fail(fmt.Errorf("sms init failed: %w", err))
		}
	}

	sessions := session.NewManager(store, session.Hooks{
		Created: func(s *session.Session) {
			metrics.SessionEvent("created")
			seedHistory(ctx, store, s, cfg.HistoryCap)
			bindSMS(texter, s)
		},
		Reused: func(s *session.Session) {
			metrics.SessionEvent("reused")
			bindSMS(texter, s)
		},
		Destroyed: func(s *session.Session) {
			metrics.SessionEvent("destroyed")
			hub.Forget(s.ID)
		},
		Discarded: func(s *session.Session) { hub.Forget(s.ID) },
	})
	hub.SetOnEnd(func(id string) {
		if err := sessions.Destroy(context.Background(), id); err != nil {
			log.Printf("[app] session=%s destroy after end: %v", id, err)
		}
	})

	api := httpapi.New(cfg, sessions, hub, registry, metrics)

	cleanup := func() error {
		var errs []string
		sessions.Shutdown(context.Background())
		if err := interrupts.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Hub:      hub,
		Registry: registry,
		Metrics:  metrics,
		Store:    store,
		Voice: ProviderInfo{
			LLM:  llmName,
			TTS:  speech.detail,
			STT:  sttName,
			Turn: cfg.TurnStrategy,
		},
		Cleanup: cleanup,
	}, nil
}

// seedHistory replays a known caller's recent turns into a fresh session.
func seedHistory(ctx context.Context, store memory.Store, s *session.Session, limit int) {
	user := s.User().Identity
	if user == session.UnknownUser {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()
	msgs, err := memory.SeedHistory(ctx, store, user, limit)
	if err != nil {
		log.Printf("[app] session=%s seed history: %v", s.ID, err)
		return
	}
	if len(msgs) > 0 {
		s.AppendHistory(msgs...)
	}
}

// bindSMS offers the text message channel to callers with a phone number.
func bindSMS(texter *sms.Twilio, s *session.Session) {
	if texter == nil {
		return
	}
	to := s.User().Identity
	if !strings.HasPrefix(to, "+") {
		return
	}
	s.RegisterChannel(session.ChannelSMS, session.ChannelRef{Text: sms.Recipient{Sender: texter, To: to}})
}
