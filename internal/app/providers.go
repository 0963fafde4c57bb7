package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/tts"
)

// synthSetup is the resolved speech backend plus a description for logs.
type synthSetup struct {
	synth  tts.Synthesizer
	name   string
	detail string
}

func resolveModel(ctx context.Context, cfg config.Config) (conversation.Model, string, error) {
	switch cfg.LLMProvider {
	case "", "gemini":
		m, err := conversation.NewGeminiModel(ctx, conversation.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		})
		if err != nil {
			return nil, "", fmt.Errorf("gemini model init failed: %w", err)
		}
		return m, "gemini", nil
	case "openai":
		m, err := conversation.NewOpenAIModel(conversation.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			return nil, "", fmt.Errorf("openai model init failed: %w", err)
		}
		return m, "openai", nil
	default:
		return nil, "", fmt.Errorf("invalid LLM_PROVIDER: %q (expected gemini|openai)", cfg.LLMProvider)
	}
}

// resolveSynthesizer picks the configured speech backend. When keys for both
// backends are present the other one is kept as a failover.
func resolveSynthesizer(cfg config.Config) (synthSetup, error) {
	tryElevenLabs := func() (tts.Synthesizer, bool, error) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return nil, false, nil
		}
		s, err := tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:          cfg.ElevenLabsAPIKey,
			WSBaseURL:       cfg.ElevenLabsWSBaseURL,
			VoiceID:         cfg.ElevenLabsVoiceID,
			ModelID:         cfg.ElevenLabsModelID,
			Stability:       cfg.ElevenLabsStability,
			SimilarityBoost: cfg.ElevenLabsSimilarityBoost,
			Speed:           cfg.ElevenLabsSpeed,
		})
		if err != nil {
			return nil, false, fmt.Errorf("elevenlabs init failed: %w", err)
		}
		return s, true, nil
	}
	tryDeepgram := func() (tts.Synthesizer, bool, error) {
		if strings.TrimSpace(cfg.DeepgramAPIKey) == "" {
			return nil, false, nil
		}
		s, err := tts.NewDeepgramSpeak(tts.DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			Model:      cfg.DeepgramTTSModel,
			SampleRate: audio.SynthesisPCM.SampleRate,
		})
		if err != nil {
			return nil, false, fmt.Errorf("deepgram speak init failed: %w", err)
		}
		return s, true, nil
	}

	primary, secondary := tryElevenLabs, tryDeepgram
	primaryName, secondaryName := "elevenlabs", "deepgram"
	switch cfg.TTSProvider {
	case "", "elevenlabs":
	case "deepgram":
		primary, secondary = secondary, primary
		primaryName, secondaryName = secondaryName, primaryName
	default:
		return synthSetup{}, fmt.Errorf("invalid TTS_PROVIDER: %q (expected elevenlabs|deepgram)", cfg.TTSProvider)
	}

	first, ok, err := primary()
	if err != nil {
		return synthSetup{}, err
	}
	if !ok {
		return synthSetup{}, fmt.Errorf("TTS_PROVIDER=%s but its api key is not set", primaryName)
	}
	second, hasSecond, err := secondary()
	if err != nil || !hasSecond {
		// A broken fallback must not block the configured backend.
		return synthSetup{synth: first, name: primaryName, detail: primaryName}, nil
	}
	return synthSetup{
		synth:  tts.NewFailover(first, second),
		name:   primaryName,
		detail: fmt.Sprintf("%s (failover %s)", primaryName, secondaryName),
	}, nil
}
