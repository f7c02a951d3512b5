// internal/llmclient/gemini_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/history"
)

const (
	defaultEndpointFormat = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"
	defaultEnvironment    = "ENVIRONMENT_BROWSER"
	instructionFormat     = "Goal: %s\n\nRespond with ONLY Computer Use tool calls. No other text."
)

// ExchangeRecorder receives the raw request and response bodies of every call.
type ExchangeRecorder interface {
	RecordExchange(ctx context.Context, kind string, body []byte)
}

type nopRecorder struct{}

func (nopRecorder) RecordExchange(context.Context, string, []byte) {}

// GeminiClient talks to a Gemini computer-use model over the generateContent
// REST endpoint. The endpoint is stateless, so the full history is sent on every call.
type GeminiClient struct {
	endpoint    string
	environment string
	creds       CredentialSource
	recorder    ExchangeRecorder
	strategies  []parseStrategy
	httpClient  *http.Client
	logger      *zap.Logger
}

// Option customizes a GeminiClient.
type Option func(*GeminiClient)

// WithRecorder sends raw exchanges to r.
func WithRecorder(r ExchangeRecorder) Option {
	return func(c *GeminiClient) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *GeminiClient) { c.httpClient = hc }
}

// NewGeminiClient initializes the client. A missing API key is not an error
// here; it is reported as a terminal decision when the agent runs.
func NewGeminiClient(cfg config.LLMConfig, creds CredentialSource, logger *zap.Logger, opts ...Option) *GeminiClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(defaultEndpointFormat, cfg.Model)
	}
	environment := cfg.Environment
	if environment == "" {
		environment = defaultEnvironment
	}
	if creds == nil {
		creds = StaticCredential(cfg.APIKey)
	}

	c := &GeminiClient{
		endpoint:    endpoint,
		environment: environment,
		creds:       creds,
		recorder:    nopRecorder{},
		strategies:  defaultStrategies,
		httpClient:  &http.Client{Timeout: cfg.APITimeout},
		logger:      logger.Named("llm_client.gemini"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Preflight checks that a credential is available without any network traffic.
func (c *GeminiClient) Preflight(ctx context.Context) error {
	if _, err := c.creds.APIKey(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

// Decide appends a user observation turn to h, sends the whole history and
// parses the reply. It never returns an error: failures become terminal
// decisions with Err set.
func (c *GeminiClient) Decide(ctx context.Context, goal string, obs *schemas.Observation, h *history.History) Decision {
	apiKey, err := c.creds.APIKey(ctx)
	if err != nil {
		c.logger.Error("No credential for decision model", zap.Error(err))
		return protocolFailure(err)
	}

	h.AppendObservation(BuildUserTurn(goal, obs))

	payload, err := c.send(ctx, apiKey, h.Turns())
	if err != nil {
		c.logger.Error("Gemini API error", zap.Error(err))
		return protocolFailure(err)
	}

	parsed, err := newParsedResponse(payload)
	if err != nil {
		c.logger.Error("Malformed Gemini response", zap.Error(err))
		return protocolFailure(err)
	}
	if parsed.modelTurn != nil {
		h.AppendDecision(*parsed.modelTurn)
	}

	d := runStrategies(c.strategies, parsed)
	switch {
	case d.Err != nil:
		c.logger.Warn("Model requested confirmation", zap.String("action", d.Action), zap.String("explanation", d.Result))
	case d.Terminal:
		c.logger.Info("Terminal decision", zap.String("source", string(d.Source)), zap.String("result", d.Result))
	default:
		c.logger.Info("Function call", zap.String("action", d.Action), zap.String("source", string(d.Source)))
	}
	if len(d.Skipped) > 0 {
		names := make([]string, 0, len(d.Skipped))
		for _, fc := range d.Skipped {
			names = append(names, fc.Name)
		}
		c.logger.Warn("Model returned more than one function call, only the first runs",
			zap.String("action", d.Action), zap.Strings("skipped", names))
	}
	return d
}

// BuildUserTurn composes the fixed instruction and, when present, the observation image.
func BuildUserTurn(goal string, obs *schemas.Observation) schemas.Turn {
	turn := schemas.Turn{
		Role:  schemas.RoleUser,
		Parts: []schemas.Part{schemas.TextPart(fmt.Sprintf(instructionFormat, goal))},
	}
	if obs != nil && len(obs.Data) > 0 {
		mime := obs.MimeType
		if mime == "" {
			mime = "image/jpeg"
		}
		turn.Parts = append(turn.Parts, schemas.Part{InlineData: &schemas.InlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(obs.Data),
		}})
	}
	return turn
}

func (c *GeminiClient) buildRequest(contents []schemas.Turn) schemas.GenerateContentRequest {
	return schemas.GenerateContentRequest{
		Contents: contents,
		Tools:    []schemas.Tool{{ComputerUse: &schemas.ComputerUse{Environment: c.environment}}},
	}
}

func (c *GeminiClient) send(ctx context.Context, apiKey string, contents []schemas.Turn) (responsePayload, error) {
	var payload responsePayload

	body, err := json.Marshal(c.buildRequest(contents))
	if err != nil {
		return payload, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	c.recorder.RecordExchange(ctx, "request", body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return payload, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return payload, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return payload, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return payload, c.handleAPIError(resp.StatusCode, respBody)
	}
	c.recorder.RecordExchange(ctx, "response", respBody)

	if err := json.Unmarshal(respBody, &payload); err != nil {
		return payload, fmt.Errorf("failed to decode response payload: %w", err)
	}
	c.logger.Debug("Decision received",
		zap.Duration("duration", time.Since(start)),
		zap.Int("candidates", len(payload.Candidates)),
		zap.Int("history_turns", len(contents)))
	return payload, nil
}

// handleAPIError surfaces the server's error.message verbatim, falling back to the raw body.
func (c *GeminiClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))

	msg := string(body)
	var apiErr schemas.APIErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return fmt.Errorf("API error %d: %s", statusCode, msg)
}
