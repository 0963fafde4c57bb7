package turn

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	checkEndOfTurnProcedure = "/turn.TurnDetector/CheckEndOfTurn"

	// DefaultRemoteThreshold is the end-of-turn probability above which the
	// classifier's verdict counts as complete.
	DefaultRemoteThreshold = 0.03

	remoteHistory = 2
)

type RemoteConfig struct {
	URL       string
	Threshold float64
	Timeout   time.Duration
}

// Remote asks an external classifier service over Connect with JSON payloads.
// Only the most recent messages are sent, the classifier scores the tail.
type Remote struct {
	client    *connect.Client[structpb.Struct, structpb.Struct]
	threshold float64
	timeout   time.Duration
}

func NewRemote(cfg RemoteConfig) *Remote {
	return NewRemoteWithClient(cfg, &http.Client{})
}

func NewRemoteWithClient(cfg RemoteConfig, httpClient connect.HTTPClient) *Remote {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultRemoteThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 800 * time.Millisecond
	}
	return &Remote{
		client: connect.NewClient[structpb.Struct, structpb.Struct](
			httpClient,
			strings.TrimRight(cfg.URL, "/")+checkEndOfTurnProcedure,
			connect.WithProtoJSON(),
		),
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
	}
}

func (r *Remote) IsEndOfTurn(ctx context.Context, utterance string, history []Message) (bool, error) {
	msgs := append(append([]Message(nil), history...), Message{Role: "user", Content: utterance})
	if len(msgs) > remoteHistory {
		msgs = msgs[len(msgs)-remoteHistory:]
	}
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, map[string]any{"role": m.Role, "content": m.Content})
	}
	req, err := structpb.NewStruct(map[string]any{"messages": list})
	if err != nil {
		return false, fmt.Errorf("build turn request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return false, fmt.Errorf("check end of turn: %w", err)
	}

	fields := res.Msg.GetFields()
	if p, ok := fields["probability"]; ok {
		return p.GetNumberValue() > r.threshold, nil
	}
	return fields["end_of_turn"].GetBoolValue(), nil
}
