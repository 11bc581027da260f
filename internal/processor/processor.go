// Package processor calls the external memory processing service: the
// pipeline that turns a finished transcript into a structured record, and
// the transcript matcher used for speaker reconciliation.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snarg/listen-engine/internal/memory"
)

// Result is a finalized record plus any chat messages the pipeline
// produced for the user.
type Result struct {
	Memory   *memory.Memory    `json:"memory"`
	Messages []json.RawMessage `json:"messages,omitempty"`
}

// Client calls the processing service over HTTP JSON.
type Client struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
}

type processRequest struct {
	UID          string         `json:"uid"`
	Language     string         `json:"language"`
	ForceProcess bool           `json:"force_process"`
	Memory       *memory.Memory `json:"memory"`
}

type matchRequest struct {
	PreviousTranscript string `json:"previous_transcript"`
	CurrentTranscript  string `json:"current_transcript"`
}

type matchResponse struct {
	SpeakerID int `json:"speaker_id"`
}

// NewClient creates a processing service client rooted at baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		url:     strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Process sends a memory through the pipeline and returns the finalized
// record. force skips the pipeline's own discard heuristics.
func (c *Client) Process(ctx context.Context, uid, language string, m *memory.Memory, force bool) (*Result, error) {
	var res Result
	err := c.post(ctx, "/v1/memories/process", processRequest{
		UID:          uid,
		Language:     language,
		ForceProcess: force,
		Memory:       m,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.Memory == nil {
		return nil, fmt.Errorf("processor returned no memory for %s", m.ID)
	}
	return &res, nil
}

// MatchSpeaker asks which speaker id in current corresponds to the user
// identified in previous.
func (c *Client) MatchSpeaker(ctx context.Context, previous, current string) (int, error) {
	var res matchResponse
	if err := c.post(ctx, "/v1/speakers/match", matchRequest{
		PreviousTranscript: previous,
		CurrentTranscript:  current,
	}, &res); err != nil {
		return 0, err
	}
	return res.SpeakerID, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("processor request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("processor error (status %d): %s", resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Passthrough finalizes memories without an external service: the
// transcript is kept as-is and the record is marked completed.
type Passthrough struct{}

func (Passthrough) Process(_ context.Context, _, _ string, m *memory.Memory, _ bool) (*Result, error) {
	out := m.Clone()
	out.Status = memory.StatusCompleted
	return &Result{Memory: out}, nil
}
