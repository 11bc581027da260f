package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/maxhawkins/go-webrtcvad"
	"gopkg.in/hraban/opus.v2"
)

// maxFrameSamples is the largest opus frame (120 ms) at 48 kHz.
const maxFrameSamples = 5760

// OpusDecoder decodes opus packets to 16-bit little-endian PCM.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if channels <= 0 {
		channels = 1
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels, pcm: make([]int16, maxFrameSamples*channels)}, nil
}

func (d *OpusDecoder) Decode(frame []byte) ([]byte, error) {
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil {
		return nil, err
	}
	return int16ToBytes(d.pcm[:n*d.channels]), nil
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// VAD wraps the WebRTC voice activity detector.
type VAD struct {
	vad *webrtcvad.VAD
}

// NewVAD creates a detector with aggressiveness mode 0 (least) to 3 (most).
func NewVAD(mode int) (*VAD, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtcvad: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("webrtcvad mode %d: %w", mode, err)
	}
	return &VAD{vad: v}, nil
}

func (v *VAD) IsSpeech(sampleRate int, window []byte) (bool, error) {
	return v.vad.Process(sampleRate, window)
}
