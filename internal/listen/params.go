package listen

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/snarg/listen-engine/internal/audio"
	"github.com/snarg/listen-engine/internal/stt"
)

// Params are a live session's connection parameters.
type Params struct {
	UID                  string
	Language             string
	SampleRate           int
	Codec                audio.Codec
	Channels             int
	IncludeSpeechProfile bool
}

// ParseParams reads and validates the query of a listen request.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		UID:                  strings.TrimSpace(q.Get("uid")),
		Language:             stt.DefaultLanguage,
		SampleRate:           8000,
		Codec:                audio.CodecPCM8,
		Channels:             1,
		IncludeSpeechProfile: true,
	}
	if p.UID == "" {
		return p, &ProtocolError{Param: "uid", Reason: "required"}
	}
	if v := q.Get("language"); v != "" {
		p.Language = v
	}
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, &ProtocolError{Param: "sample_rate", Reason: "not an integer"}
		}
		switch n {
		case 8000, 16000, 48000:
		default:
			return p, &ProtocolError{Param: "sample_rate", Reason: "must be 8000, 16000 or 48000"}
		}
		p.SampleRate = n
	}
	if v := q.Get("codec"); v != "" {
		c, err := audio.ParseCodec(v)
		if err != nil {
			return p, &ProtocolError{Param: "codec", Reason: err.Error()}
		}
		p.Codec = c
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n != 1 {
			return p, &ProtocolError{Param: "channels", Reason: "only mono audio is supported"}
		}
	}
	if v := q.Get("include_speech_profile"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, &ProtocolError{Param: "include_speech_profile", Reason: "not a boolean"}
		}
		p.IncludeSpeechProfile = b
	}
	return p, nil
}

// BackwardParams are the connection parameters of a backward sync.
type BackwardParams struct {
	UID       string
	Language  string
	FileNames []string
}

// ParseBackwardParams reads uid, language and the comma-separated
// file_names list.
func ParseBackwardParams(q url.Values) (BackwardParams, error) {
	p := BackwardParams{
		UID:      strings.TrimSpace(q.Get("uid")),
		Language: stt.DefaultLanguage,
	}
	if p.UID == "" {
		return p, &ProtocolError{Param: "uid", Reason: "required"}
	}
	if v := q.Get("language"); v != "" {
		p.Language = v
	}
	if v := q.Get("file_names"); v != "" {
		p.FileNames = strings.Split(v, ",")
	}
	return p, nil
}
