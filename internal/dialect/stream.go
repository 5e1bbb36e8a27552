package dialect

import (
	"bytes"
	"fmt"
)

// StreamTransformer re-dialects a backend's SSE stream into the client's
// dialect, one event at a time, as bytes arrive off the wire.
//
// It follows the shape called out for streaming transforms: a pure
// function from (accumulated bytes, new chunk) to (new accumulated bytes,
// emitted events). The caller owns the network loop; this type owns
// nothing but buffering and translation, which makes it trivial to feed
// from a test without a real connection.
type StreamTransformer struct {
	service       string
	clientDialect Dialect
	model         string

	decode decodeDeltaFunc
	encode encodeDeltaFunc
}

// NewStreamTransformer builds a transformer for one request's streaming
// response. Returns ErrUnsupportedDialect if either side has no delta
// codec registered.
func NewStreamTransformer(service string, clientDialect Dialect, model string) (*StreamTransformer, error) {
	native, ok := NativeDialect(service)
	if !ok {
		return nil, fmt.Errorf("%w: unknown service %q", ErrUnsupportedDialect, service)
	}

	decode, ok := deltaDecoders[native]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no stream decoder", ErrUnsupportedDialect, native)
	}
	encode, ok := deltaEncoders[clientDialect]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no stream encoder", ErrUnsupportedDialect, clientDialect)
	}

	return &StreamTransformer{
		service:       service,
		clientDialect: clientDialect,
		model:         model,
		decode:        decode,
		encode:        encode,
	}, nil
}

// sseEventSeparator delimits complete SSE events in the byte stream.
var sseEventSeparator = []byte("\n\n")

// Transform consumes accumulated (leftover bytes from the previous call)
// plus chunk (freshly read bytes), extracts every complete SSE event it
// can find, translates each into the client's dialect, and returns the
// re-framed "data: ...\n\n" events plus whatever incomplete tail bytes
// should be carried into the next call.
func (t *StreamTransformer) Transform(accumulated, chunk []byte) (newAccumulated []byte, events [][]byte) {
	buf := append(append([]byte{}, accumulated...), chunk...)

	for {
		idx := bytes.Index(buf, sseEventSeparator)
		if idx < 0 {
			break
		}

		rawEvent := buf[:idx]
		buf = buf[idx+len(sseEventSeparator):]

		payload, ok := extractDataPayload(rawEvent)
		if !ok {
			continue // comment / non-data event (e.g. "event: ping"); drop silently
		}

		delta, ok := t.decode(payload)
		if !ok {
			continue
		}

		out, err := t.encode(Completion{Model: t.model}, delta)
		if err != nil {
			continue
		}
		events = append(events, framesSSE(out))

		if delta.Done {
			break
		}
	}

	return buf, events
}

// extractDataPayload pulls the payload out of a "data: ..." line,
// concatenating multiple data: lines in one event per the SSE spec.
func extractDataPayload(rawEvent []byte) ([]byte, bool) {
	lines := bytes.Split(rawEvent, []byte("\n"))
	var parts [][]byte
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if bytes.HasPrefix(line, []byte("data:")) {
			parts = append(parts, bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
	if len(parts) == 0 {
		return nil, false
	}
	return bytes.Join(parts, []byte("\n")), true
}

// framesSSE wraps a JSON payload (or the literal "[DONE]") as a complete
// SSE event.
func framesSSE(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
