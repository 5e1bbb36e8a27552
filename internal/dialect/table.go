package dialect

import "fmt"

type decodeFunc func([]byte) (Conversation, error)
type encodeFunc func(Conversation) ([]byte, error)
type decodeCompletionFunc func([]byte) (Completion, error)
type encodeCompletionFunc func(Completion) ([]byte, error)
type decodeDeltaFunc func([]byte) (StreamDelta, bool)
type encodeDeltaFunc func(Completion, StreamDelta) ([]byte, error)

var requestDecoders = map[Dialect]decodeFunc{
	OpenAIChat:        decodeOpenAIChat,
	OpenAIText:        decodeOpenAIText,
	AnthropicMessages: decodeAnthropicMessages,
	AnthropicComplete: decodeAnthropicComplete,
	GoogleGenerate:    decodeGoogleGenerate,
}

var requestEncoders = map[Dialect]encodeFunc{
	OpenAIChat:        encodeOpenAIChat,
	OpenAIText:        encodeOpenAIText,
	AnthropicMessages: encodeAnthropicMessages,
	AnthropicComplete: encodeAnthropicComplete,
	GoogleGenerate:    encodeGoogleGenerate,
}

var completionDecoders = map[Dialect]decodeCompletionFunc{
	OpenAIChat:        decodeOpenAICompletion,
	AnthropicMessages: decodeAnthropicCompletion,
	GoogleGenerate:    decodeGoogleCompletion,
}

var completionEncoders = map[Dialect]encodeCompletionFunc{
	OpenAIChat:        encodeOpenAICompletion,
	AnthropicMessages: encodeAnthropicCompletion,
	GoogleGenerate:    encodeGoogleCompletion,
}

var deltaDecoders = map[Dialect]decodeDeltaFunc{
	OpenAIChat:        decodeOpenAIStreamDelta,
	AnthropicMessages: decodeAnthropicStreamDelta,
	GoogleGenerate:    decodeGoogleStreamDelta,
}

var deltaEncoders = map[Dialect]encodeDeltaFunc{
	OpenAIChat:        func(c Completion, d StreamDelta) ([]byte, error) { return encodeOpenAIStreamDelta(c.Model, d) },
	AnthropicMessages: func(_ Completion, d StreamDelta) ([]byte, error) { return encodeAnthropicStreamDelta(d) },
	GoogleGenerate:    func(_ Completion, d StreamDelta) ([]byte, error) { return encodeGoogleStreamDelta(d) },
}

// dialectPair names a (from, to) translation. The lookups themselves go
// through the per-dialect decoder and encoder maps above; a pair is
// supported exactly when both its decoder and its encoder exist.
type dialectPair struct {
	From Dialect
	To   Dialect
}

// TranslateRequest converts a client request body from clientDialect into
// the native wire format of the backend service. Identity translations
// (clientDialect already equals the service's native dialect) return
// body unchanged. Any other pair missing a decoder or encoder fails at entry
// with ErrUnsupportedDialect, before the request is ever queued.
func TranslateRequest(clientDialect Dialect, service string, body []byte) ([]byte, error) {
	native, ok := NativeDialect(service)
	if !ok {
		return nil, fmt.Errorf("%w: unknown service %q", ErrUnsupportedDialect, service)
	}
	if clientDialect == native {
		return body, nil
	}

	decode, ok := requestDecoders[clientDialect]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s (no decoder)", ErrUnsupportedDialect, clientDialect, native)
	}
	encode, ok := requestEncoders[native]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s (no encoder)", ErrUnsupportedDialect, clientDialect, native)
	}

	conv, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("dialect: decode %s: %w", clientDialect, err)
	}
	out, err := encode(conv)
	if err != nil {
		return nil, fmt.Errorf("dialect: encode %s: %w", native, err)
	}
	return out, nil
}

// TranslateResponse converts a non-streaming upstream response body from
// the backend service's native dialect into clientDialect.
func TranslateResponse(service string, clientDialect Dialect, body []byte) ([]byte, error) {
	native, ok := NativeDialect(service)
	if !ok {
		return nil, fmt.Errorf("%w: unknown service %q", ErrUnsupportedDialect, service)
	}
	if clientDialect == native {
		return body, nil
	}

	decode, ok := completionDecoders[native]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s (no decoder)", ErrUnsupportedDialect, native, clientDialect)
	}
	encode, ok := completionEncoders[clientDialect]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s (no encoder)", ErrUnsupportedDialect, native, clientDialect)
	}

	completion, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("dialect: decode %s: %w", native, err)
	}
	out, err := encode(completion)
	if err != nil {
		return nil, fmt.Errorf("dialect: encode %s: %w", clientDialect, err)
	}
	return out, nil
}

// SupportsPair reports whether a request translation between from and to
// is possible, without performing it. Used at request-entry time (Design
// Notes: unsupported pairs fail loudly before the request reaches the
// queue, not mid-stream).
func SupportsPair(from, to Dialect) bool {
	if from == to {
		return true
	}
	_, hasDecode := requestDecoders[from]
	_, hasEncode := requestEncoders[to]
	return hasDecode && hasEncode
}
