package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Deepgram closes idle streams after ~10s without audio, which voice
// gating makes routine.
const deepgramKeepAlive = 5 * time.Second

// DeepgramClient dials Deepgram's live transcription websocket.
// Implements the Dialer interface.
type DeepgramClient struct {
	endpoint string
	apiKey   string
	model    string
	dialer   *websocket.Dialer
	log      zerolog.Logger
}

// deepgramMessage is the subset of a live "Results" message used here.
type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	// Error frames
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Speaker        int     `json:"speaker"`
}

// NewDeepgramClient creates a Deepgram dialer.
func NewDeepgramClient(endpoint, apiKey, model string, dialTimeout time.Duration, log zerolog.Logger) *DeepgramClient {
	return &DeepgramClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		log:      log.With().Str("component", "stt").Str("provider", "deepgram").Logger(),
	}
}

// Name returns the provider name.
func (dg *DeepgramClient) Name() string { return "deepgram" }

// Model returns the configured model identifier.
func (dg *DeepgramClient) Model() string { return dg.model }

func (dg *DeepgramClient) streamURL(opts Options) (string, error) {
	u, err := url.Parse(dg.endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram url: %w", err)
	}
	channels := opts.Channels
	if channels <= 0 {
		channels = 1
	}
	q := u.Query()
	q.Set("model", dg.model)
	q.Set("language", opts.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("diarize", "true")
	q.Set("no_delay", "true")
	q.Set("endpointing", "100")
	q.Set("interim_results", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a live stream and starts its read goroutine.
func (dg *DeepgramClient) Dial(ctx context.Context, opts Options, cb Callbacks) (Stream, error) {
	target, err := dg.streamURL(opts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+dg.apiKey)

	conn, resp, err := dg.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	log := dg.log.With().Float64("pre_seconds", opts.PreSeconds).Logger()
	s := newWSStream("deepgram", conn, parseDeepgram, newSegmenter(opts, " "), cb, log)
	s.finish = func() error {
		return s.write(context.Background(), websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	}
	s.start()
	go dg.keepAlive(s)

	log.Debug().Msg("deepgram stream opened")
	return s, nil
}

func (dg *DeepgramClient) keepAlive(s *wsStream) {
	t := time.NewTicker(deepgramKeepAlive)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if s.closing.Load() {
				return
			}
			if err := s.write(context.Background(), websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

func parseDeepgram(msg []byte) ([]word, bool, error) {
	var m deepgramMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, false, fmt.Errorf("deepgram decode: %w", err)
	}
	if m.ErrCode != "" {
		return nil, true, fmt.Errorf("deepgram error %s: %s", m.ErrCode, m.ErrMsg)
	}
	if m.Type != "Results" || !m.IsFinal || len(m.Channel.Alternatives) == 0 {
		return nil, false, nil
	}
	alt := m.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil, false, nil
	}
	words := make([]word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		words = append(words, word{text: text, start: w.Start, end: w.End, speaker: w.Speaker})
	}
	return words, false, nil
}
