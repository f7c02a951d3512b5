package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no artifact exists under a key.
var ErrNotFound = errors.New("artifact not found")

// Well-known artifact keys.
const (
	KeyLastResult        = "lastResult"
	KeyLastModelRequest  = "lastModelRequest"
	KeyLastModelResponse = "lastModelResponse"
)

// Artifact is a persisted value written by a run.
type Artifact struct {
	Key       string          `json:"key"`
	RunID     string          `json:"run_id"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ArtifactStore persists the observable by-products of agent runs: the final
// result and the last raw exchange with the decision model.
type ArtifactStore interface {
	SaveResult(ctx context.Context, runID, result string) error
	SaveExchange(ctx context.Context, runID, kind string, body []byte) error
	Get(ctx context.Context, key string) (Artifact, error)
	Close()
}

// RunResultKey is the key of a specific run's result.
func RunResultKey(runID string) string {
	return "run:" + runID + ":result"
}

// exchangeKey maps an exchange kind ("request", "response") to its key.
func exchangeKey(kind string) (string, error) {
	switch kind {
	case "request":
		return KeyLastModelRequest, nil
	case "response":
		return KeyLastModelResponse, nil
	}
	return "", fmt.Errorf("unknown exchange kind %q", kind)
}

// exchangeValue stores JSON bodies as-is and anything else as a JSON string.
func exchangeValue(body []byte) (json.RawMessage, error) {
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	return json.Marshal(string(body))
}

func resultValue(result string) (json.RawMessage, error) {
	return json.Marshal(result)
}
