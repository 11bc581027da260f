// Package audio turns raw client frames into PCM suitable for a
// transcription provider, dropping frames without voice activity.
package audio

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Codec is the client's frame encoding.
type Codec string

const (
	CodecPCM8  Codec = "pcm8"
	CodecPCM16 Codec = "pcm16"
	CodecOpus  Codec = "opus"
)

// ParseCodec validates a codec name from connection parameters.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case CodecPCM8, CodecPCM16, CodecOpus:
		return c, nil
	}
	return "", fmt.Errorf("unsupported codec %q", s)
}

// Decoder converts one compressed frame to 16-bit little-endian PCM.
type Decoder interface {
	Decode(frame []byte) ([]byte, error)
}

// Classifier reports whether a PCM window contains speech.
type Classifier interface {
	IsSpeech(sampleRate int, window []byte) (bool, error)
}

// DropReason labels why Process refused a frame.
type DropReason string

const (
	DropNone   DropReason = ""
	DropDecode DropReason = "decode"
	DropSilent DropReason = "silence"
)

// Filter decodes and voice-gates one session's frames. It is not safe for
// concurrent use; each session owns its own Filter.
type Filter struct {
	decoder    Decoder
	vad        Classifier
	sampleRate int
	window     []byte
	log        zerolog.Logger
}

// FilterOptions describes a session's audio.
type FilterOptions struct {
	Codec      Codec
	SampleRate int
	Channels   int
	VADMode    int
	// BypassVAD forwards every decoded frame without classification.
	BypassVAD bool
}

// NewFilter builds a filter with the opus decoder and WebRTC voice
// activity detector the options call for.
func NewFilter(opts FilterOptions, log zerolog.Logger) (*Filter, error) {
	var dec Decoder
	if opts.Codec == CodecOpus {
		d, err := NewOpusDecoder(opts.SampleRate, opts.Channels)
		if err != nil {
			return nil, err
		}
		dec = d
	}
	var vad Classifier
	if !opts.BypassVAD {
		v, err := NewVAD(opts.VADMode)
		if err != nil {
			return nil, err
		}
		vad = v
	}
	return newFilter(dec, vad, opts.SampleRate, log), nil
}

func newFilter(dec Decoder, vad Classifier, sampleRate int, log zerolog.Logger) *Filter {
	return &Filter{
		decoder:    dec,
		vad:        vad,
		sampleRate: sampleRate,
		window:     make([]byte, WindowBytes(sampleRate)),
		log:        log,
	}
}

// WindowBytes is the size of the leading 10 ms window of 16-bit mono PCM
// the classifier inspects: 160 bytes at 8 kHz, 320 bytes at 16 kHz.
func WindowBytes(sampleRate int) int {
	return sampleRate / 100 * 2
}

// Process returns the PCM frame to forward, or ok=false with the reason the
// frame was dropped. It does no I/O.
func (f *Filter) Process(frame []byte) (pcm []byte, reason DropReason, ok bool) {
	pcm = frame
	if f.decoder != nil {
		decoded, err := f.decoder.Decode(frame)
		if err != nil {
			f.log.Debug().Err(err).Int("bytes", len(frame)).Msg("frame decode failed")
			return nil, DropDecode, false
		}
		pcm = decoded
	}
	if f.vad == nil {
		return pcm, DropNone, true
	}

	n := copy(f.window, pcm)
	clear(f.window[n:])
	speech, err := f.vad.IsSpeech(f.sampleRate, f.window)
	if err != nil {
		// Classifier failures forward the frame rather than lose speech.
		f.log.Debug().Err(err).Msg("voice activity check failed")
		return pcm, DropNone, true
	}
	if !speech {
		return nil, DropSilent, false
	}
	return pcm, DropNone, true
}
