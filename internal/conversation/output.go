package conversation

import (
	"encoding/json"
	"strings"
)

// Apology is spoken when the model produced nothing usable.
const Apology = "Sorry, I had trouble understanding. Could you please rephrase?"

type structuredOutput struct {
	Response      *string `json:"response"`
	OutputChannel string  `json:"output_channel"`
}

// ParseOutput reads the {"response", "output_channel"} contract. Anything
// else is returned verbatim on the input channel.
func ParseOutput(raw, inputChannel string) (string, string) {
	text := strings.TrimSpace(raw)
	if body, ok := unfence(text); ok {
		text = body
	}

	var out structuredOutput
	if err := json.Unmarshal([]byte(text), &out); err == nil && out.Response != nil {
		channel := strings.ToLower(strings.TrimSpace(out.OutputChannel))
		if channel == "" {
			channel = inputChannel
		}
		resp := strings.TrimSpace(*out.Response)
		if resp == "" {
			resp = Apology
		}
		return resp, channel
	}

	fallback := strings.TrimSpace(raw)
	if fallback == "" {
		fallback = Apology
	}
	return fallback, inputChannel
}

// unfence strips a ```json ... ``` wrapper models like to add.
func unfence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{}") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body), true
}
