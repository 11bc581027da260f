// Package stt streams session audio to realtime transcription backends and
// reports their output as transcript segments.
package stt

import (
	"context"
	"fmt"

	"github.com/snarg/listen-engine/internal/audio"
	"github.com/snarg/listen-engine/internal/transcript"
)

// Kind is the provider capability a session needs.
type Kind int

const (
	// KindNative handles the wearable's native encoding in the default language.
	KindNative Kind = iota
	// KindGeneral handles every other language and encoding.
	KindGeneral
)

func (k Kind) String() string {
	if k == KindNative {
		return "native"
	}
	return "general"
}

// DefaultLanguage is the language sessions use when none is given.
const DefaultLanguage = "en"

// Select picks the provider kind for a session's audio.
func Select(language string, codec audio.Codec, sampleRate int) Kind {
	if language == DefaultLanguage && codec == audio.CodecOpus && sampleRate == 16000 {
		return KindNative
	}
	return KindGeneral
}

// Options describes the audio a stream will carry.
type Options struct {
	Language   string
	SampleRate int
	Channels   int
	// PreSeconds is the length of an enrollment sample sent ahead of live
	// audio. Words inside it are not reported; their speakers are flagged as
	// the user. Later timestamps are shifted back by PreSeconds.
	PreSeconds float64
	// LiveOffset is added to every reported timestamp. A stream that starts
	// carrying live audio partway into a session uses it to stay on the
	// session clock.
	LiveOffset float64
}

// Callbacks receive a stream's output. Both are invoked from the stream's
// own read goroutine, so a slow OnBatch delays later results.
type Callbacks struct {
	OnBatch func(segments []transcript.Segment)
	// OnError reports a fatal stream failure. It is not called for a close
	// the caller initiated.
	OnError func(err error)
}

// Stream is one open connection to a transcription backend.
type Stream interface {
	Send(ctx context.Context, pcm []byte) error
	// Close flushes pending results and releases the connection. Safe to
	// call more than once.
	Close() error
}

// Dialer opens streams to one backend.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, opts Options, cb Callbacks) (Stream, error)
}

// Registry maps provider kinds to configured dialers.
type Registry struct {
	byKind map[Kind]Dialer
}

// NewRegistry binds the named dialers to the native and general kinds.
func NewRegistry(native, general string, dialers ...Dialer) (*Registry, error) {
	byName := make(map[string]Dialer, len(dialers))
	for _, d := range dialers {
		byName[d.Name()] = d
	}
	r := &Registry{byKind: make(map[Kind]Dialer, 2)}
	for kind, name := range map[Kind]string{KindNative: native, KindGeneral: general} {
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown stt provider %q for %s sessions", name, kind)
		}
		r.byKind[kind] = d
	}
	return r, nil
}

// For returns the dialer serving kind.
func (r *Registry) For(kind Kind) Dialer {
	return r.byKind[kind]
}
