package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SonioxClient dials Soniox's realtime websocket API.
// Implements the Dialer interface.
type SonioxClient struct {
	endpoint string
	apiKey   string
	model    string
	dialer   *websocket.Dialer
	log      zerolog.Logger
}

// sonioxConfig is the first (text) message on a new stream.
type sonioxConfig struct {
	APIKey                   string   `json:"api_key"`
	Model                    string   `json:"model"`
	AudioFormat              string   `json:"audio_format"`
	SampleRate               int      `json:"sample_rate"`
	NumChannels              int      `json:"num_channels"`
	LanguageHints            []string `json:"language_hints,omitempty"`
	EnableSpeakerDiarization bool     `json:"enable_speaker_diarization"`
}

type sonioxResponse struct {
	Tokens       []sonioxToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
}

type sonioxToken struct {
	Text    string  `json:"text"`
	StartMs float64 `json:"start_ms"`
	EndMs   float64 `json:"end_ms"`
	IsFinal bool    `json:"is_final"`
	Speaker string  `json:"speaker"`
}

// NewSonioxClient creates a Soniox dialer.
func NewSonioxClient(endpoint, apiKey, model string, dialTimeout time.Duration, log zerolog.Logger) *SonioxClient {
	return &SonioxClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		log:      log.With().Str("component", "stt").Str("provider", "soniox").Logger(),
	}
}

// Name returns the provider name.
func (sx *SonioxClient) Name() string { return "soniox" }

// Model returns the configured model identifier.
func (sx *SonioxClient) Model() string { return sx.model }

// Dial opens a realtime stream, sends its configuration and starts the
// read goroutine.
func (sx *SonioxClient) Dial(ctx context.Context, opts Options, cb Callbacks) (Stream, error) {
	conn, resp, err := sx.dialer.DialContext(ctx, sx.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("soniox dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("soniox dial: %w", err)
	}

	channels := opts.Channels
	if channels <= 0 {
		channels = 1
	}
	cfg := sonioxConfig{
		APIKey:                   sx.apiKey,
		Model:                    sx.model,
		AudioFormat:              "pcm_s16le",
		SampleRate:               opts.SampleRate,
		NumChannels:              channels,
		EnableSpeakerDiarization: true,
	}
	if opts.Language != "" {
		cfg.LanguageHints = []string{opts.Language}
	}
	if err := conn.WriteJSON(cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("soniox config: %w", err)
	}

	log := sx.log.With().Float64("pre_seconds", opts.PreSeconds).Logger()
	s := newWSStream("soniox", conn, parseSoniox, newSegmenter(opts, ""), cb, log)
	// An empty binary frame marks end of audio.
	s.finish = func() error {
		return s.write(context.Background(), websocket.BinaryMessage, []byte{})
	}
	s.start()

	log.Debug().Msg("soniox stream opened")
	return s, nil
}

func parseSoniox(msg []byte) ([]word, bool, error) {
	var r sonioxResponse
	if err := json.Unmarshal(msg, &r); err != nil {
		return nil, false, fmt.Errorf("soniox decode: %w", err)
	}
	if r.ErrorCode != 0 {
		return nil, true, fmt.Errorf("soniox error %d: %s", r.ErrorCode, r.ErrorMessage)
	}
	var words []word
	for _, t := range r.Tokens {
		if !t.IsFinal || isSonioxMarker(t.Text) {
			continue
		}
		speaker, _ := strconv.Atoi(t.Speaker)
		words = append(words, word{
			text:    t.Text,
			start:   t.StartMs / 1000,
			end:     t.EndMs / 1000,
			speaker: speaker,
		})
	}
	return words, r.Finished, nil
}

// isSonioxMarker matches control tokens such as "<end>" and "<fin>".
func isSonioxMarker(text string) bool {
	return strings.HasPrefix(text, "<") && strings.HasSuffix(text, ">")
}
