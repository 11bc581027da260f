// Package profile finds a user's speech enrollment sample and feeds it to a
// transcription stream ahead of live audio.
package profile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/audio"
	"github.com/snarg/listen-engine/internal/storage"
)

// ErrInvalidSample rejects an upload that is not a usable enrollment
// recording.
var ErrInvalidSample = errors.New("invalid speech profile")

// maxSampleBytes bounds uploads and reads of a single enrollment sample.
const maxSampleBytes = 16 << 20

// Sample is a decoded enrollment recording.
type Sample struct {
	PCM        []byte // 16-bit little-endian mono
	SampleRate int
	Duration   time.Duration
	// Window is how long live audio is kept off the primary stream while
	// the sample is transcribed: Duration plus the configured padding.
	Window time.Duration
}

// Eligible reports whether a session can use an enrollment sample at all.
func Eligible(language string, codec audio.Codec, enabled bool) bool {
	return enabled && language == "en" && (codec == audio.CodecOpus || codec == audio.CodecPCM16)
}

// Key is the object key of uid's sample.
func Key(uid string) string {
	return "speech_profiles/" + uid + ".wav"
}

// Profiles reads and writes enrollment samples in an object store.
type Profiles struct {
	store   storage.ObjectStore
	padding time.Duration
	log     zerolog.Logger
}

func New(store storage.ObjectStore, padding time.Duration, log zerolog.Logger) *Profiles {
	return &Profiles{
		store:   store,
		padding: padding,
		log:     log.With().Str("component", "profile").Logger(),
	}
}

// Lookup returns uid's sample, or ok=false when none is stored.
func (p *Profiles) Lookup(ctx context.Context, uid string) (s *Sample, ok bool, err error) {
	r, err := p.store.Open(ctx, Key(uid))
	if errors.Is(err, storage.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open speech profile: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, maxSampleBytes+1))
	if err != nil {
		return nil, false, fmt.Errorf("read speech profile: %w", err)
	}
	if len(data) > maxSampleBytes {
		return nil, false, fmt.Errorf("speech profile for %s exceeds %d bytes", uid, maxSampleBytes)
	}
	s, err = Decode(data)
	if err != nil {
		return nil, false, err
	}
	s.Window = s.Duration + p.padding
	return s, true, nil
}

// Save validates a WAV upload and stores it as uid's sample.
func (p *Profiles) Save(ctx context.Context, uid string, data []byte) (*Sample, error) {
	if len(data) > maxSampleBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrInvalidSample, maxSampleBytes)
	}
	s, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, Key(uid), data, "audio/wav"); err != nil {
		return nil, fmt.Errorf("store speech profile: %w", err)
	}
	s.Window = s.Duration + p.padding
	p.log.Info().Str("uid", uid).Dur("duration", s.Duration).Str("store", p.store.Type()).Msg("speech profile saved")
	return s, nil
}

// Decode parses a 16-bit PCM WAV file. Multi-channel input keeps the first
// channel.
func Decode(data []byte) (*Sample, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid WAV file: %v", ErrInvalidSample, err)
	}
	if d.SampleRate == 0 {
		return nil, fmt.Errorf("%w: no sample rate", ErrInvalidSample)
	}
	if d.BitDepth != 16 {
		return nil, fmt.Errorf("%w: bit depth %d, want 16", ErrInvalidSample, d.BitDepth)
	}
	pcm := monoPCM16(buf)
	frames := len(pcm) / 2
	return &Sample{
		PCM:        pcm,
		SampleRate: int(d.SampleRate),
		Duration:   time.Duration(frames) * time.Second / time.Duration(d.SampleRate),
	}, nil
}

func monoPCM16(buf *goaudio.IntBuffer) []byte {
	ch := 1
	if buf.Format != nil && buf.Format.NumChannels > 1 {
		ch = buf.Format.NumChannels
	}
	out := make([]byte, 0, len(buf.Data)/ch*2)
	for i := 0; i < len(buf.Data); i += ch {
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(buf.Data[i])))
	}
	return out
}

// Sender is the part of a transcription stream Feed writes to.
type Sender interface {
	Send(ctx context.Context, pcm []byte) error
}

// Feed writes the sample to stream in 100 ms chunks.
func (s *Sample) Feed(ctx context.Context, stream Sender) error {
	chunk := s.SampleRate / 10 * 2
	if chunk <= 0 {
		chunk = 3200
	}
	for off := 0; off < len(s.PCM); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+chunk, len(s.PCM))
		if err := stream.Send(ctx, s.PCM[off:end]); err != nil {
			return fmt.Errorf("feed speech profile: %w", err)
		}
	}
	return nil
}
