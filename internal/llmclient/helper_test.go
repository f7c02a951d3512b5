package llmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/atlas-cli/internal/config"
)

// recordingSink captures raw exchanges for assertions.
type recordingSink struct {
	mu    sync.Mutex
	kinds []string
	last  []byte
}

func (r *recordingSink) RecordExchange(_ context.Context, kind string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.last = body
}

// getValidLLMConfig returns a valid LLMConfig for testing purposes.
func getValidLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		APIKey:      "test-api-key",
		Model:       "test-model",
		Environment: "ENVIRONMENT_BROWSER",
		APITimeout:  5 * time.Second,
	}
}

// setupGeminiClient starts a mock Gemini endpoint and points a client at it.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *recordingSink, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	core, logs := observer.New(zap.InfoLevel)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	sink := &recordingSink{}
	client := NewGeminiClient(cfg, nil, zap.New(core), WithRecorder(sink))
	return client, sink, logs
}
