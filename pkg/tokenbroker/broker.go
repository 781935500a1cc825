// Package tokenbroker requests short-lived realtime credentials from the application backend.
//
// The primary endpoint mints a real session token. When it fails for any reason the same
// request is replayed against a fallback (mock/test) endpoint. Tokens are never cached:
// every connection attempt asks for a fresh one.
package tokenbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPrimaryPath  = "/api/realtime/token"
	DefaultFallbackPath = "/api/mock-token"
	DefaultHealthPath   = "/api/health"
	DefaultVoice        = "alloy"

	maxResponseBytes = 1 << 20
)

var (
	ErrMissingParameters      = errors.New("language and level are required")
	ErrMalformedResponse      = errors.New("token response has no ephemeral_key or client_secret.value")
	ErrTokenAcquisitionFailed = errors.New("token acquisition failed")
)

// Request carries the conversation parameters forwarded to the backend.
type Request struct {
	Language            string
	Level               string
	Topic               string
	UserPrompt          string
	AssessmentData      any
	ConversationHistory string
}

type requestBody struct {
	Language            string `json:"language"`
	Level               string `json:"level"`
	Voice               string `json:"voice"`
	Topic               string `json:"topic,omitempty"`
	UserPrompt          string `json:"user_prompt,omitempty"`
	AssessmentData      any    `json:"assessment_data,omitempty"`
	ConversationHistory string `json:"conversation_history,omitempty"`
}

type tokenResponse struct {
	EphemeralKey string `json:"ephemeral_key"`
	ClientSecret *struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

// AcquisitionError keeps both failure contexts when primary and fallback fail.
type AcquisitionError struct {
	Primary  error
	Fallback error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s: primary: %v; fallback: %v", ErrTokenAcquisitionFailed, e.Primary, e.Fallback)
}

func (e *AcquisitionError) Is(target error) bool { return target == ErrTokenAcquisitionFailed }

func (e *AcquisitionError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

type Options struct {
	BaseURL      string
	PrimaryPath  string
	FallbackPath string
	HealthPath   string
	Voice        string
	HTTPClient   *http.Client
	// OnFallback is called with the primary failure before the fallback is tried.
	OnFallback func(primaryErr error)
}

type Broker struct {
	baseURL      string
	primaryPath  string
	fallbackPath string
	healthPath   string
	voice        string
	client       *http.Client
	onFallback   func(error)
}

func New(opts Options) *Broker {
	b := &Broker{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		primaryPath:  opts.PrimaryPath,
		fallbackPath: opts.FallbackPath,
		healthPath:   opts.HealthPath,
		voice:        opts.Voice,
		client:       opts.HTTPClient,
		onFallback:   opts.OnFallback,
	}
	if b.primaryPath == "" {
		b.primaryPath = DefaultPrimaryPath
	}
	if b.fallbackPath == "" {
		b.fallbackPath = DefaultFallbackPath
	}
	if b.healthPath == "" {
		b.healthPath = DefaultHealthPath
	}
	if b.voice == "" {
		b.voice = DefaultVoice
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 15 * time.Second}
	}
	return b
}

// GetToken returns an ephemeral token for one realtime session.
func (b *Broker) GetToken(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Language) == "" || strings.TrimSpace(req.Level) == "" {
		return "", errors.Wrapf(ErrMissingParameters, "language=%q level=%q", req.Language, req.Level)
	}
	body, err := json.Marshal(requestBody{
		Language:            req.Language,
		Level:               req.Level,
		Voice:               b.voice,
		Topic:               req.Topic,
		UserPrompt:          req.UserPrompt,
		AssessmentData:      req.AssessmentData,
		ConversationHistory: req.ConversationHistory,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode token request")
	}

	token, primaryErr := b.fetch(ctx, b.baseURL+b.primaryPath, body)
	if primaryErr == nil {
		log.Debug().Str("component", "tokenbroker").Msg("token acquired from primary endpoint")
		return token, nil
	}
	log.Warn().Err(primaryErr).Str("component", "tokenbroker").Msg("primary token endpoint failed, trying fallback")
	if b.onFallback != nil {
		b.onFallback(primaryErr)
	}

	token, fallbackErr := b.fetch(ctx, b.baseURL+b.fallbackPath, body)
	if fallbackErr == nil {
		log.Info().Str("component", "tokenbroker").Msg("token acquired from fallback endpoint")
		return token, nil
	}
	log.Error().Err(fallbackErr).Str("component", "tokenbroker").Msg("fallback token endpoint failed")
	return "", &AcquisitionError{Primary: primaryErr, Fallback: fallbackErr}
}

func (b *Broker) fetch(ctx context.Context, url string, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrapf(err, "build request for %s", url)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", errors.Wrapf(err, "request %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", errors.Wrapf(err, "read response from %s", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return extractToken(raw)
}

func extractToken(raw []byte) (string, error) {
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", errors.Wrap(ErrMalformedResponse, err.Error())
	}
	if tr.EphemeralKey != "" {
		return tr.EphemeralKey, nil
	}
	if tr.ClientSecret != nil && tr.ClientSecret.Value != "" {
		return tr.ClientSecret.Value, nil
	}
	return "", ErrMalformedResponse
}

// CheckHealth probes the backend before a session is armed.
func (b *Broker) CheckHealth(ctx context.Context) error {
	url := b.baseURL + b.healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "build request for %s", url)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request %s", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}
