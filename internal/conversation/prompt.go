package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Greeting seeds the history of a fresh session.
const Greeting = "Hello! You are speaking to an AI assistant. How can I help you today?"

// DefaultPrompt is the store assistant instruction used when a transport does
// not supply one.
func DefaultPrompt(storeName string) string {
	if strings.TrimSpace(storeName) == "" {
		storeName = "our store"
	}
	return fmt.Sprintf(`You are a helpful AI assistant for the store %q. You can call tools to fetch real-time information about products, orders and customers.

Understand the user's message and intent. If you need store data, call the relevant tool first and use its result in your reply. Otherwise answer directly. Keep replies short; they are often spoken aloud.

Always answer with a JSON object with two fields:
"response": your reply for the user
"output_channel": the medium for your reply

The user's message is a JSON object with "message" and "input_channel". Reply on the input_channel unless the user asks for another available channel. When the user says goodbye, call end_session.`, storeName)
}

// BuildPrompt appends the channel block to base. The result depends only on
// the inputs, so rebuilding after every registration is idempotent.
func BuildPrompt(base string, channels []string) string {
	base = strings.TrimRight(base, "\n ")
	if len(channels) == 0 {
		return base
	}
	return base + "\nAvailable channels:\n" + strings.Join(channels, ",") +
		"\nSet output_channel to one of the available channels."
}

type taggedInput struct {
	Message      string `json:"message"`
	InputChannel string `json:"input_channel"`
}

// TagInput wraps a user message with the channel it arrived on.
func TagInput(message, inputChannel string) string {
	b, err := json.Marshal(taggedInput{Message: message, InputChannel: inputChannel})
	if err != nil {
		return message
	}
	return string(b)
}

// UntagInput recovers the plain message from a TagInput wrapper. Content that
// is not a wrapper is returned unchanged.
func UntagInput(content string) string {
	var in taggedInput
	if err := json.Unmarshal([]byte(content), &in); err != nil || in.Message == "" {
		return content
	}
	return in.Message
}
