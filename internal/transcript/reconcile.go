package transcript

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultTokenBudget is the prior-transcript size above which the external
// matcher is skipped.
const DefaultTokenBudget = 40000

// SpeakerMatcher resolves which speaker id in a fresh transcript corresponds
// to the user identified in a previous transcript of the same audio.
type SpeakerMatcher interface {
	MatchSpeaker(ctx context.Context, previous, current string) (int, error)
}

// tokenEncoding is the encoding of the model behind the speaker matcher.
const tokenEncoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		enc, encErr = tiktoken.GetEncoding(tokenEncoding)
	})
	return enc, encErr
}

// CountTokens returns the cl100k_base token count of text. The BPE ranks
// are embedded, so counting never touches the network.
func CountTokens(text string) (int, error) {
	e, err := encoding()
	if err != nil {
		return 0, fmt.Errorf("load %s encoding: %w", tokenEncoding, err)
	}
	return len(e.Encode(text, nil, nil)), nil
}

// ReconcileSpeakers carries the user flag from prior onto fresh, a
// re-transcription of the same audio with new speaker ids. It returns fresh
// with IsUser set on every segment of the resolved speaker. If prior has no
// user segments, fresh is returned unchanged.
func ReconcileSpeakers(ctx context.Context, prior, fresh []Segment, matcher SpeakerMatcher, budget int) ([]Segment, error) {
	firstUser := -1
	for _, s := range prior {
		if s.IsUser {
			firstUser = s.SpeakerID
			break
		}
	}
	if firstUser < 0 {
		return fresh, nil
	}

	speakerID := firstUser
	previous := AsString(prior, false)
	if matcher == nil {
		return markUser(fresh, speakerID), nil
	}
	tokens, err := CountTokens(previous)
	if err != nil {
		return nil, err
	}
	if tokens < budget {
		id, err := matcher.MatchSpeaker(ctx, previous, AsString(fresh, false))
		if err != nil {
			return nil, fmt.Errorf("match speaker: %w", err)
		}
		speakerID = id
	}
	return markUser(fresh, speakerID), nil
}

func markUser(fresh []Segment, speakerID int) []Segment {
	out := make([]Segment, len(fresh))
	for i, s := range fresh {
		if s.SpeakerID == speakerID {
			s.IsUser = true
		}
		out[i] = s
	}
	return out
}
