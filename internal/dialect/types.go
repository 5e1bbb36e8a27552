// Package dialect translates request and response bodies between the
// wire formats client integrations speak (OpenAI chat/completions,
// Anthropic messages/complete) and the native format of whichever
// upstream service family handled the request.
//
// Translation routes through a small canonical representation rather than
// pairwise conversion functions: every supported wire format has a decode
// into Conversation/Completion and an encode back out, and each
// Translate* call looks up one decoder and one encoder and composes them.
// A pair with no decoder or encoder on either side is unsupported, and
// Translate* rejects it immediately rather than guessing.
package dialect

import "errors"

// Dialect names a wire format, either a client-facing one (tied to an
// inbound HTTP route) or a backend-native one (tied to an upstream
// service).
type Dialect string

const (
	// OpenAIChat is OpenAI's /v1/chat/completions shape and is also the
	// native format of the "openai" backend service.
	OpenAIChat Dialect = "openai-chat"
	// OpenAIText is OpenAI's legacy /v1/completions shape (single prompt
	// string, no message list).
	OpenAIText Dialect = "openai-text"
	// AnthropicMessages is Anthropic's /v1/messages shape and is also the
	// native format of the "anthropic" backend service.
	AnthropicMessages Dialect = "anthropic-messages"
	// AnthropicComplete is Anthropic's legacy /v1/complete shape (single
	// prompt string with Human:/Assistant: turn markers).
	AnthropicComplete Dialect = "anthropic-complete"
	// GoogleGenerate is the native format of the "google-ai" backend
	// service (generateContent request/response shape).
	GoogleGenerate Dialect = "google-generate"
)

// NativeDialect returns the wire format a backend service speaks.
func NativeDialect(service string) (Dialect, bool) {
	switch service {
	case "openai":
		return OpenAIChat, true
	case "anthropic":
		return AnthropicMessages, true
	case "google-ai":
		return GoogleGenerate, true
	default:
		return "", false
	}
}

// ErrUnsupportedDialect is returned when a translation is requested
// between two dialects with no registered decoder/encoder pair. Per the
// "fail loudly at entry" design, this is checked before a request is
// queued, not discovered mid-flight.
var ErrUnsupportedDialect = errors.New("dialect: unsupported translation pair")

// Message is one turn in a canonical conversation.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Conversation is the canonical decoded form of a chat/messages request.
type Conversation struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Stream      bool
}

// Completion is the canonical decoded form of a non-streaming response.
type Completion struct {
	Model        string
	Role         string
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// StreamDelta is one incremental piece of a streamed response, decoded
// from a single upstream SSE event.
type StreamDelta struct {
	ContentDelta string
	FinishReason string // non-empty only on the terminal delta
	Done         bool
	InputTokens  int // populated only on the terminal delta, if upstream reports it
	OutputTokens int
}
