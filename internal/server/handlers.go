package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nupi-ai/whisper-transcribe-api/internal/cache"
	"github.com/nupi-ai/whisper-transcribe-api/internal/coordinator"
	"github.com/nupi-ai/whisper-transcribe-api/internal/lifecycle"
	"github.com/nupi-ai/whisper-transcribe-api/internal/source"
	"github.com/nupi-ai/whisper-transcribe-api/internal/telemetry"
)

// retryAfterSeconds is advertised with 503 responses while the model loads.
const retryAfterSeconds = "5"

type healthResponse struct {
	Status       string  `json:"status"`
	ModelLoaded  bool    `json:"model_loaded"`
	ModelLoading bool    `json:"model_loading"`
	ModelError   *string `json:"model_error"`
}

type transcribeResponse struct {
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	Probability    float64 `json:"probability"`
	ProcessingTime float64 `json:"processing_time"`
}

type transcribeURLRequest struct {
	URL string `json:"url" binding:"required"`
}

type reloadResponse struct {
	Started bool `json:"started"`
	healthResponse
}

type engineStats struct {
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
}

type statsResponse struct {
	Engine   engineStats              `json:"engine"`
	Requests telemetry.Snapshot       `json:"requests"`
	Cache    *cache.Stats             `json:"cache"`
	Latency  []telemetry.LatencyStats `json:"latency"`
}

func errorBody(detail string) gin.H {
	return gin.H{"detail": detail}
}

func healthFrom(st lifecycle.State) healthResponse {
	resp := healthResponse{
		Status:       "running",
		ModelLoaded:  st.Status == lifecycle.StatusReady,
		ModelLoading: st.Status == lifecycle.StatusLoading,
	}
	if st.Status == lifecycle.StatusFailed {
		reason := st.Reason
		resp.ModelError = &reason
	}
	return resp
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthFrom(s.deps.Lifecycle.State()))
}

func (s *Server) handleReload(c *gin.Context) {
	started := s.deps.Lifecycle.StartLoad()
	if started {
		s.log.Info("model reload requested", "request_id", c.GetString(ctxRequestID))
	}
	c.JSON(http.StatusAccepted, reloadResponse{
		Started:        started,
		healthResponse: healthFrom(s.deps.Lifecycle.State()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	st := s.deps.Lifecycle.State()
	resp := statsResponse{
		Engine: engineStats{
			State:  st.Status.String(),
			Reason: st.Reason,
			Since:  st.Since,
		},
		Requests: s.deps.Recorder.Snapshot(),
		Latency:  s.deps.Recorder.Latency(),
	}
	if s.deps.Cache != nil {
		cs := s.deps.Cache.Stats()
		resp.Cache = &cs
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTranscribe(c *gin.Context) {
	audio, filename, err := s.readAudio(c.Request)
	if err != nil {
		s.respondReadError(c, err)
		return
	}
	s.transcribe(c, audio, filename)
}

func (s *Server) handleTranscribeURL(c *gin.Context) {
	var req transcribeURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if isTooLarge(err) {
			s.respondReadError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, errorBody("Request body must be JSON with a url field"))
		return
	}

	obj, err := s.deps.Fetcher.Fetch(c.Request.Context(), req.URL)
	switch {
	case errors.Is(err, source.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	case errors.Is(err, source.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, errorBody(err.Error()))
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, errorBody(fmt.Sprintf("Failed to fetch audio: %v", err)))
		return
	}
	s.transcribe(c, obj.Data, obj.Filename)
}

func (s *Server) transcribe(c *gin.Context, audio []byte, filename string) {
	resp, err := s.deps.Transcriber.Transcribe(c.Request.Context(), coordinator.Request{
		Audio:     audio,
		Filename:  filename,
		RequestID: c.GetString(ctxRequestID),
	})
	if err != nil {
		s.respondTranscribeError(c, err)
		return
	}
	if resp.Cached {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	c.JSON(http.StatusOK, transcribeResponse{
		Text:           resp.Text,
		Language:       resp.Language,
		Probability:    resp.Probability,
		ProcessingTime: resp.ProcessingTime.Seconds(),
	})
}

var errNoAudio = errors.New("no audio file provided")

// readAudio accepts a multipart upload in the "file" field or a raw body.
func (s *Server) readAudio(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", err
		}
		return data, r.Header.Get("X-Filename"), nil
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, "", err
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", errNoAudio
		}
		if err != nil {
			return nil, "", err
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		data, err := readPart(part)
		if err != nil {
			return nil, "", err
		}
		return data, part.FileName(), nil
	}
}

func readPart(part *multipart.Part) ([]byte, error) {
	defer part.Close()
	return io.ReadAll(part)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func tooLargeDetail(max int64) string {
	return fmt.Sprintf("Audio payload exceeds the %d byte upload limit", max)
}

func (s *Server) respondReadError(c *gin.Context, err error) {
	switch {
	case isTooLarge(err):
		c.JSON(http.StatusRequestEntityTooLarge, errorBody(tooLargeDetail(s.maxUpload)))
	case errors.Is(err, errNoAudio):
		c.JSON(http.StatusBadRequest, errorBody("No audio file provided"))
	default:
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("Invalid upload: %v", err)))
	}
}

func (s *Server) respondTranscribeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var (
		loadErr *coordinator.EngineLoadError
		trErr   *coordinator.TranscriptionError
	)
	switch {
	case errors.Is(err, coordinator.ErrEmptyAudio):
		c.JSON(http.StatusBadRequest, errorBody("No audio file provided"))
	case errors.Is(err, coordinator.ErrEngineNotReady):
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, errorBody("Model is still loading. Try again later."))
	case errors.Is(err, coordinator.ErrEngineLoadTimeout):
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, errorBody("Timed out waiting for the model to load. Try again later."))
	case errors.As(err, &loadErr):
		c.JSON(http.StatusInternalServerError, errorBody("Model error: "+loadErr.Reason))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, errorBody("Request cancelled before transcription finished"))
	case errors.As(err, &trErr):
		c.JSON(http.StatusInternalServerError, errorBody(fmt.Sprintf("Error processing transcription: %v", trErr.Cause)))
	default:
		c.JSON(http.StatusInternalServerError, errorBody("Internal server error"))
	}
}
