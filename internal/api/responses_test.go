package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteHealthJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusServiceUnavailable, HealthResponse{
		Status: "unhealthy",
		Checks: map[string]string{"database": "ping failed"},
	})

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body.Status != "unhealthy" || body.Checks["database"] != "ping failed" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteProcessingError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorDetail(rec, http.StatusBadGateway, "processing failed", "pipeline returned 500")

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body.Error != "processing failed" || body.Detail != "pipeline returned 500" {
		t.Errorf("body = %+v", body)
	}

	rec = httptest.NewRecorder()
	WriteError(rec, http.StatusConflict, "memory is still in progress")
	if !strings.Contains(rec.Body.String(), `"error":"memory is still in progress"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "detail") {
		t.Error("empty detail was not omitted")
	}
}

func TestDecodePostProcessRequest(t *testing.T) {
	t.Run("segments", func(t *testing.T) {
		body := `{"uid":"u1","transcript_segments":[{"text":"hi","speaker":"SPEAKER_01","speaker_id":1,"is_user":false,"start":0.5,"end":1.25}]}`
		req := httptest.NewRequest("POST", "/api/v1/memories/m1/post-processing", strings.NewReader(body))
		var dst postProcessRequest
		if err := DecodeJSON(req, &dst); err != nil {
			t.Fatalf("DecodeJSON: %v", err)
		}
		if dst.UID != "u1" || len(dst.Segments) != 1 {
			t.Fatalf("decoded = %+v", dst)
		}
		if s := dst.Segments[0]; s.SpeakerID != 1 || s.Start != 0.5 || s.End != 1.25 {
			t.Errorf("segment = %+v", s)
		}
	})

	t.Run("missing_body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/memories/m1/post-processing", nil)
		req.Body = nil
		var dst postProcessRequest
		if err := DecodeJSON(req, &dst); err == nil {
			t.Error("expected error for missing body")
		}
	})

	t.Run("oversized_body", func(t *testing.T) {
		text := strings.Repeat("a", maxJSONBody)
		body := `{"uid":"u1","transcript_segments":[{"text":"` + text + `"}]}`
		req := httptest.NewRequest("POST", "/api/v1/memories/m1/post-processing", strings.NewReader(body))
		var dst postProcessRequest
		if err := DecodeJSON(req, &dst); err == nil {
			t.Error("expected error for a body over the limit")
		}
	})
}
