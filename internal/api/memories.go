package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/listen"
	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/profile"
	"github.com/snarg/listen-engine/internal/transcript"
)

// MemoriesHandler serves the authenticated write endpoints.
type MemoriesHandler struct {
	svc      *listen.Service
	profiles *profile.Profiles
	log      zerolog.Logger
}

func NewMemoriesHandler(svc *listen.Service, profiles *profile.Profiles, log zerolog.Logger) *MemoriesHandler {
	return &MemoriesHandler{
		svc:      svc,
		profiles: profiles,
		log:      log.With().Str("handler", "memories").Logger(),
	}
}

// Routes registers the endpoints.
func (h *MemoriesHandler) Routes(r chi.Router) {
	r.Post("/memories/{id}/post-processing", h.PostProcess)
	r.Put("/users/{uid}/speech-profile", h.PutSpeechProfile)
}

type postProcessRequest struct {
	UID      string               `json:"uid"`
	Segments []transcript.Segment `json:"transcript_segments"`
}

// PostProcess handles POST /api/v1/memories/{id}/post-processing.
// The body carries a higher quality re-transcription of the memory.
func (h *MemoriesHandler) PostProcess(w http.ResponseWriter, r *http.Request) {
	var req postProcessRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.UID == "" {
		WriteError(w, http.StatusBadRequest, "uid is required")
		return
	}
	if len(req.Segments) == 0 {
		WriteError(w, http.StatusBadRequest, "transcript_segments is required")
		return
	}

	res, err := h.svc.PostProcess(r.Context(), req.UID, chi.URLParam(r, "id"), req.Segments)
	var perr *listen.ProcessingError
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, res)
	case errors.Is(err, memory.ErrNotFound):
		WriteError(w, http.StatusNotFound, "memory not found")
	case errors.Is(err, listen.ErrMemoryInProgress):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, listen.ErrMemoryDiscarded):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &perr):
		h.log.Error().Err(err).Msg("post-processing failed")
		WriteErrorDetail(w, http.StatusBadGateway, "processing failed", perr.Err.Error())
	default:
		h.log.Error().Err(err).Msg("post-processing failed")
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

type speechProfileResponse struct {
	UID             string  `json:"uid"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`
}

// PutSpeechProfile handles PUT /api/v1/users/{uid}/speech-profile with a
// 16-bit PCM WAV body.
func (h *MemoriesHandler) PutSpeechProfile(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "read body", err.Error())
		return
	}
	s, err := h.profiles.Save(r.Context(), uid, data)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, speechProfileResponse{
			UID:             uid,
			DurationSeconds: s.Duration.Seconds(),
			SampleRate:      s.SampleRate,
		})
	case errors.Is(err, profile.ErrInvalidSample):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("uid", uid).Msg("save speech profile")
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
