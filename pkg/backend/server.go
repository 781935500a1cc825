// Package backend is the application server the token broker talks to. It mints realtime
// session tokens with the server-side API key and serves a mock token endpoint for
// development and fallback.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	DefaultOpenAIBaseURL      = "https://api.openai.com"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"

	maxBodyBytes = 1 << 20
)

var errMintingDisabled = errors.New("realtime token minting is not configured")

type Options struct {
	OpenAIBaseURL      string
	APIKey             string
	Model              string
	TranscriptionModel string
	HTTPClient         *http.Client
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// Registerer receives the backend's request counter when set.
	Registerer prometheus.Registerer
}

type Server struct {
	opts     Options
	client   *http.Client
	requests *prometheus.CounterVec
}

func New(opts Options) *Server {
	if opts.OpenAIBaseURL == "" {
		opts.OpenAIBaseURL = DefaultOpenAIBaseURL
	}
	opts.OpenAIBaseURL = strings.TrimRight(opts.OpenAIBaseURL, "/")
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.TranscriptionModel == "" {
		opts.TranscriptionModel = DefaultTranscriptionModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxtalk",
			Subsystem: "backend",
			Name:      "token_requests_total",
			Help:      "Token requests handled by the backend, by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(requests)
	}
	return &Server{opts: opts, client: client, requests: requests}
}

// Router wires all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth())
		r.Post("/realtime/token", s.handleRealtimeToken())
		r.Post("/mock-token", s.handleMockToken())
	})
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Mount attaches the backend routes to an existing router.
func (s *Server) Mount(r chi.Router) {
	r.Mount("/", s.Router())
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().Str("component", "backend").
			Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// TokenRequest is the body the token broker sends to both token endpoints.
type TokenRequest struct {
	Language            string          `json:"language"`
	Level               string          `json:"level"`
	Voice               string          `json:"voice"`
	Topic               string          `json:"topic,omitempty"`
	UserPrompt          string          `json:"user_prompt,omitempty"`
	AssessmentData      json.RawMessage `json:"assessment_data,omitempty"`
	ConversationHistory string          `json:"conversation_history,omitempty"`
}

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type tokenResponse struct {
	ClientSecret *clientSecret `json:"client_secret,omitempty"`
	EphemeralKey string        `json:"ephemeral_key,omitempty"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (TokenRequest, bool) {
	var req TokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return req, false
	}
	if strings.TrimSpace(req.Language) == "" || strings.TrimSpace(req.Level) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "language and level are required"})
		return req, false
	}
	if req.Voice == "" {
		req.Voice = DefaultVoice
	}
	return req, true
}

func (s *Server) handleRealtimeToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeTokenRequest(w, r)
		if !ok {
			s.requests.WithLabelValues("realtime", "bad_request").Inc()
			return
		}
		secret, err := s.mint(r.Context(), req)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, errMintingDisabled) {
				status = http.StatusServiceUnavailable
			}
			log.Error().Err(err).Str("component", "backend").Msg("minting realtime token failed")
			s.requests.WithLabelValues("realtime", "error").Inc()
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		s.requests.WithLabelValues("realtime", "ok").Inc()
		writeJSON(w, http.StatusOK, tokenResponse{ClientSecret: secret})
	}
}

func (s *Server) handleMockToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := decodeTokenRequest(w, r); !ok {
			s.requests.WithLabelValues("mock", "bad_request").Inc()
			return
		}
		s.requests.WithLabelValues("mock", "ok").Inc()
		writeJSON(w, http.StatusOK, tokenResponse{EphemeralKey: "mock_" + uuid.NewString()})
	}
}

type sessionRequest struct {
	Model                   string                   `json:"model"`
	Voice                   string                   `json:"voice"`
	Instructions            string                   `json:"instructions"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

// mint creates a realtime session upstream and returns its client secret.
func (s *Server) mint(ctx context.Context, req TokenRequest) (*clientSecret, error) {
	if s.opts.APIKey == "" {
		return nil, errMintingDisabled
	}
	body, err := json.Marshal(sessionRequest{
		Model:                   s.opts.Model,
		Voice:                   req.Voice,
		Instructions:            BuildInstructions(req),
		InputAudioTranscription: &inputAudioTranscription{Model: s.opts.TranscriptionModel},
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode session request")
	}
	url := s.opts.OpenAIBaseURL + "/v1/realtime/sessions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build session request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.opts.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "create realtime session")
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read realtime session")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("realtime sessions returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out struct {
		ClientSecret *clientSecret `json:"client_secret"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode realtime session")
	}
	if out.ClientSecret == nil || out.ClientSecret.Value == "" {
		return nil, errors.New("realtime session has no client secret")
	}
	return out.ClientSecret, nil
}

// BuildInstructions renders the tutor persona for a new session.
func BuildInstructions(req TokenRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly conversation partner helping a learner practice %s at level %s. ", req.Language, req.Level)
	fmt.Fprintf(&b, "Speak only %s, adapt your vocabulary to the learner's level, keep your turns short and ask follow-up questions. ", req.Language)
	b.WriteString("When the learner makes a mistake, repeat the corrected phrase naturally before continuing.")
	if req.Topic != "" {
		fmt.Fprintf(&b, "\nConversation topic: %s.", req.Topic)
	}
	if req.UserPrompt != "" {
		fmt.Fprintf(&b, "\nThe learner asked for: %s", req.UserPrompt)
	}
	if len(req.AssessmentData) > 0 && string(req.AssessmentData) != "null" {
		fmt.Fprintf(&b, "\nLearner assessment: %s", string(req.AssessmentData))
	}
	if req.ConversationHistory != "" {
		b.WriteString("\n\n")
		b.WriteString(req.ConversationHistory)
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
