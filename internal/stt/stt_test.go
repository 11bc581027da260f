package stt

import (
	"context"
	"testing"

	"github.com/snarg/listen-engine/internal/audio"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		language string
		codec    audio.Codec
		rate     int
		want     Kind
	}{
		{"native_device_audio", "en", audio.CodecOpus, 16000, KindNative},
		{"other_language", "es", audio.CodecOpus, 16000, KindGeneral},
		{"pcm_codec", "en", audio.CodecPCM16, 16000, KindGeneral},
		{"narrowband", "en", audio.CodecOpus, 8000, KindGeneral},
		{"defaults", "en", audio.CodecPCM8, 8000, KindGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Select(tt.language, tt.codec, tt.rate); got != tt.want {
				t.Errorf("Select(%q, %q, %d) = %s, want %s", tt.language, tt.codec, tt.rate, got, tt.want)
			}
		})
	}
}

type namedDialer string

func (d namedDialer) Name() string { return string(d) }
func (d namedDialer) Dial(context.Context, Options, Callbacks) (Stream, error) {
	return nil, nil
}

func TestNewRegistry(t *testing.T) {
	t.Run("binds_by_name", func(t *testing.T) {
		r, err := NewRegistry("soniox", "deepgram", namedDialer("deepgram"), namedDialer("soniox"))
		if err != nil {
			t.Fatalf("NewRegistry: %v", err)
		}
		if r.For(KindNative).Name() != "soniox" || r.For(KindGeneral).Name() != "deepgram" {
			t.Errorf("native=%s general=%s", r.For(KindNative).Name(), r.For(KindGeneral).Name())
		}
	})

	t.Run("unknown_provider", func(t *testing.T) {
		if _, err := NewRegistry("speechmatics", "deepgram", namedDialer("deepgram")); err == nil {
			t.Error("expected error for unknown provider")
		}
	})
}
