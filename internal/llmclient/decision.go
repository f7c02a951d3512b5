// internal/llmclient/decision.go
package llmclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

var (
	// ErrProtocol marks any failure to obtain a decision from the model endpoint.
	ErrProtocol = errors.New("decision protocol failure")
	// ErrMissingCredential is returned when no API key is configured. It is never retried.
	ErrMissingCredential = errors.New("gemini API key not found")
	// ErrConfirmationRequired is set when the model asks for human confirmation before acting.
	ErrConfirmationRequired = errors.New("model requested safety confirmation")
)

// ParseSource records which strategy produced a decision.
type ParseSource string

const (
	SourceFunctionCall ParseSource = "function_call"
	SourceTextJSON     ParseSource = "text_json"
	SourceNone         ParseSource = "none"
	SourceError        ParseSource = "error"
)

const (
	doneAction      = "done"
	noDecisionFound = "no decision found"
	defaultResult   = "success"
)

// Decision is the canonical outcome of one call to the decision model. Either
// Action is set, or Terminal is true and Result describes why the run ends.
type Decision struct {
	Action   string
	Args     map[string]interface{}
	Terminal bool
	Result   string
	// Err is non-nil for protocol failures and confirmation requests.
	Err    error
	Source ParseSource

	// CallID echoes the model's function call id, when it sent one.
	CallID string
	// Skipped lists further function calls from the same turn that are not executed.
	Skipped []schemas.FunctionCall
}

// IsProtocolError reports whether the decision ended the run because the
// model could not be reached or understood.
func (d Decision) IsProtocolError() bool {
	return errors.Is(d.Err, ErrProtocol)
}

func terminal(result string, source ParseSource) Decision {
	return Decision{Terminal: true, Result: result, Source: source}
}

func protocolFailure(err error) Decision {
	if !errors.Is(err, ErrProtocol) {
		err = fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return Decision{
		Terminal: true,
		Result:   "Error: " + rootMessage(err),
		Err:      err,
		Source:   SourceError,
	}
}

// rootMessage strips the ErrProtocol prefix so results read like the
// underlying failure.
func rootMessage(err error) string {
	return strings.TrimPrefix(err.Error(), ErrProtocol.Error()+": ")
}

// Failure builds the terminal decision for a failure that happened outside a
// model call, such as a failed credential preflight.
func Failure(err error) Decision {
	return protocolFailure(err)
}
