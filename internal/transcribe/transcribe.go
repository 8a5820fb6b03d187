// Package transcribe provides speech-to-text adapters.
package transcribe

import (
	"context"
	"io"
)

// Transcriber converts an audio payload into plain text. Implementations may
// fail or time out; the caller bounds each call with a context deadline and
// treats deadline expiry as an adapter failure.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, contentType, languageHint string) (string, error)
}
