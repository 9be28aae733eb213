// Package analysis sends triggering frames to a vision model. It is the
// expensive downstream call the scene filter exists to ration.
package analysis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-scenefilter/internal/httpc"
	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/pipeline"
)

// DefaultBaseURL is the Gemini REST endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultPrompt asks for a short description of whatever disturbed the scene.
const DefaultPrompt = "A motion filter flagged this camera frame as containing something new. " +
	"In one or two sentences, describe what entered or changed in the scene. " +
	"If nothing notable is visible, answer \"nothing notable\"."

var (
	ErrNoAPIKey   = errors.New("analysis: api key not set")
	ErrNoResponse = errors.New("analysis: empty model response")
)

// Config configures the Gemini client.
type Config struct {
	APIKey  string
	Model   string
	Prompt  string
	Quality int // JPEG quality 1-100
	BaseURL string
	Timeout time.Duration // Per request; the trigger context may be shorter

	Temperature     float64
	MaxOutputTokens int
}

// DefaultConfig returns settings for gemini-2.0-flash.
func DefaultConfig() Config {
	return Config{
		Model:           "gemini-2.0-flash",
		Prompt:          DefaultPrompt,
		Quality:         80,
		BaseURL:         DefaultBaseURL,
		Timeout:         15 * time.Second,
		Temperature:     0.4,
		MaxOutputTokens: 300,
	}
}

// Result is one model answer for a trigger.
type Result struct {
	StreamID  string        `json:"stream_id"`
	Timestamp int64         `json:"timestamp"` // Frame timestamp
	Model     string        `json:"model"`
	Text      string        `json:"text"`
	Latency   time.Duration `json:"latency_ns"`
}

// Stats counts requests.
type Stats struct {
	Requests  uint64        `json:"requests"`
	Failures  uint64        `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
	Latency   time.Duration `json:"last_latency_ns"`
}

// Gemini describes frames with the Gemini generateContent API.
// It implements pipeline.TriggerSink.
type Gemini struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	stats    Stats
	onResult func(Result)

	logger *slog.Logger
}

// NewGemini creates a client. Zero fields of cfg take DefaultConfig values.
func NewGemini(cfg Config) (*Gemini, error) {
	return NewGeminiWithLogger(slog.Default(), cfg)
}

// NewGeminiWithLogger creates a client with a custom logger.
func NewGeminiWithLogger(logger *slog.Logger, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}

	return &Gemini{
		cfg:    cfg,
		client: httpc.NewClient(cfg.Timeout),
		logger: logger.With("component", "analysis", "model", cfg.Model),
	}, nil
}

// OnResult sets a callback for every successful description.
func (g *Gemini) OnResult(fn func(Result)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onResult = fn
}

// HandleTrigger encodes the triggering frame and asks the model about it.
func (g *Gemini) HandleTrigger(ctx context.Context, ev pipeline.TriggerEvent) error {
	start := time.Now()
	text, err := g.Describe(ctx, ev.Frame, g.cfg.Prompt)
	took := time.Since(start)

	g.mu.Lock()
	g.stats.Requests++
	g.stats.Latency = took
	if err != nil {
		g.stats.Failures++
		g.stats.LastError = err.Error()
	}
	cb := g.onResult
	g.mu.Unlock()

	if err != nil {
		return fmt.Errorf("analysis: stream %s ts %d: %w", ev.StreamID, ev.Decision.Timestamp, err)
	}

	res := Result{
		StreamID:  ev.StreamID,
		Timestamp: ev.Decision.Timestamp,
		Model:     g.cfg.Model,
		Text:      text,
		Latency:   took,
	}
	g.logger.Info("frame analysed", "stream", ev.StreamID, "ts", ev.Decision.Timestamp, "took", took, "text", truncate(text, 120))
	if cb != nil {
		cb(res)
	}
	return nil
}

// Describe asks the model about one frame.
func (g *Gemini) Describe(ctx context.Context, f frame.Frame, prompt string) (string, error) {
	jpeg, err := frame.EncodeJPEG(f, g.cfg.Quality)
	if err != nil {
		return "", err
	}

	req := generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(jpeg)}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:     g.cfg.Temperature,
			MaxOutputTokens: g.cfg.MaxOutputTokens,
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", strings.TrimRight(g.cfg.BaseURL, "/"), g.cfg.Model, g.cfg.APIKey)

	var resp geminiResponse
	if err := httpc.PostJSON(ctx, g.client, url, req, &resp); err != nil {
		var se *httpc.StatusError
		if errors.As(err, &se) {
			// The key travels in the URL; keep it out of logs.
			return "", fmt.Errorf("gemini status %d: %s", se.StatusCode, se.Body)
		}
		return "", redact(err, g.cfg.APIKey)
	}
	if resp.Error.Message != "" {
		return "", fmt.Errorf("gemini error: %s", resp.Error.Message)
	}

	if len(resp.Candidates) > 0 {
		var texts []string
		for _, p := range resp.Candidates[0].Content.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		if len(texts) > 0 {
			return strings.TrimSpace(strings.Join(texts, "\n")), nil
		}
	}
	return "", ErrNoResponse
}

// Stats returns request counters.
func (g *Gemini) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

var _ pipeline.TriggerSink = (*Gemini)(nil)

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// geminiResponse is the response structure from Gemini API.
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// redactedError hides the API key in transport errors, which quote the URL.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), key, "REDACTED"), err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
