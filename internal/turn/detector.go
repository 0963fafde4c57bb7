package turn

import (
	"context"
	"fmt"
	"strings"
)

// Message is one prior conversational entry handed to a detector.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Detector decides whether the accumulated utterance ends the user's turn.
type Detector interface {
	IsEndOfTurn(ctx context.Context, utterance string, history []Message) (bool, error)
}

type Strategy string

const (
	StrategyHeuristic Strategy = "heuristic"
	StrategyRemote    Strategy = "remote"
)

// New returns the single detector configured for the deployment.
func New(strategy Strategy, remote RemoteConfig) (Detector, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(string(strategy)))) {
	case "", StrategyHeuristic:
		return NewHeuristic(), nil
	case StrategyRemote:
		if strings.TrimSpace(remote.URL) == "" {
			return nil, fmt.Errorf("remote turn detector requires a classifier url")
		}
		return NewRemote(remote), nil
	default:
		return nil, fmt.Errorf("unknown turn strategy %q", strategy)
	}
}
