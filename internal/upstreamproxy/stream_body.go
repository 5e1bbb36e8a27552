package upstreamproxy

import (
	"bytes"
	"errors"
	"io"

	"github.com/keyrelay/keyrelay/internal/dialect"
)

// translatingBody wraps a backend's SSE response body and rewrites each
// event into the client's dialect on read, so the reverse proxy can
// stream translated output without buffering the whole response.
type translatingBody struct {
	original    io.ReadCloser
	transformer *dialect.StreamTransformer

	accumulated []byte
	out         bytes.Buffer
	done        bool
}

func newTranslatingBody(original io.ReadCloser, transformer *dialect.StreamTransformer) *translatingBody {
	return &translatingBody{original: original, transformer: transformer}
}

func (b *translatingBody) Read(p []byte) (int, error) {
	for {
		if b.out.Len() > 0 {
			return b.out.Read(p)
		}
		if b.done {
			return 0, io.EOF
		}
		if err := b.fill(); err != nil {
			if errors.Is(err, io.EOF) && b.out.Len() > 0 {
				continue
			}
			return 0, err
		}
	}
}

func (b *translatingBody) fill() error {
	chunk := make([]byte, 16*1024)
	n, readErr := b.original.Read(chunk)
	if n > 0 {
		next, events := b.transformer.Transform(b.accumulated, chunk[:n])
		b.accumulated = next
		for _, ev := range events {
			b.out.Write(ev)
		}
	}
	if readErr == io.EOF {
		b.done = true
		return io.EOF
	}
	return readErr
}

func (b *translatingBody) Close() error {
	return b.original.Close()
}
