// internal/llmclient/parse.go
package llmclient

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

// -- Response Wire Structures --
//
// Candidate parts are kept as raw JSON so the model turn replays exactly as it
// was received, including fields such as thought signatures that are not
// modeled here. The typed view below accepts both the camelCase and snake_case
// spellings of function calls.

type responsePayload struct {
	Candidates []struct {
		Content struct {
			Role  string            `json:"role"`
			Parts []json.RawMessage `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

type responsePart struct {
	Text              string                `json:"text,omitempty"`
	Thought           bool                  `json:"thought,omitempty"`
	FunctionCall      *schemas.FunctionCall `json:"functionCall,omitempty"`
	FunctionCallSnake *schemas.FunctionCall `json:"function_call,omitempty"`
	InlineData        *schemas.InlineData   `json:"inline_data,omitempty"`
}

func (p responsePart) call() *schemas.FunctionCall {
	if p.FunctionCall != nil {
		return p.FunctionCall
	}
	return p.FunctionCallSnake
}

// parsedResponse is what every strategy sees: the typed view of the first
// candidate's parts and the model turn that will be recorded in history.
type parsedResponse struct {
	parts     []responsePart
	modelTurn *schemas.Turn
}

func newParsedResponse(payload responsePayload) (parsedResponse, error) {
	if len(payload.Candidates) == 0 {
		return parsedResponse{}, nil
	}
	raws := payload.Candidates[0].Content.Parts
	if len(raws) == 0 {
		return parsedResponse{}, nil
	}

	parts := make([]responsePart, 0, len(raws))
	turn := schemas.Turn{Role: schemas.RoleModel, Parts: make([]schemas.Part, 0, len(raws))}
	for i, raw := range raws {
		var p responsePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return parsedResponse{}, fmt.Errorf("failed to decode candidate part %d: %w", i, err)
		}
		parts = append(parts, p)
		turn.Parts = append(turn.Parts, schemas.Part{
			Text:         p.Text,
			Thought:      p.Thought,
			InlineData:   p.InlineData,
			FunctionCall: p.call(),
			Raw:          append(json.RawMessage(nil), raw...),
		})
	}
	return parsedResponse{parts: parts, modelTurn: &turn}, nil
}

// joinedText concatenates answer text. Thought summaries are not answers.
func (r parsedResponse) joinedText() string {
	texts := make([]string, 0, len(r.parts))
	for _, p := range r.parts {
		if p.Text != "" && !p.Thought {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// parseStrategy tries to extract a decision. ok is false when the strategy
// does not apply, letting the next one run.
type parseStrategy struct {
	name  ParseSource
	parse func(r parsedResponse) (Decision, bool)
}

// defaultStrategies is the ordered chain; the first success wins.
var defaultStrategies = []parseStrategy{
	{name: SourceFunctionCall, parse: parseFunctionCall},
	{name: SourceTextJSON, parse: parseTextJSON},
}

func runStrategies(strategies []parseStrategy, r parsedResponse) Decision {
	for _, s := range strategies {
		if d, ok := s.parse(r); ok {
			d.Source = s.name
			return d
		}
	}
	return terminal(noDecisionFound, SourceNone)
}

// parseFunctionCall executes the first call. Any further calls in the same
// turn are returned as Skipped so each one still gets a response.
func parseFunctionCall(r parsedResponse) (Decision, bool) {
	var (
		d     Decision
		found bool
	)
	for _, p := range r.parts {
		fc := p.call()
		if fc == nil || fc.Name == "" {
			continue
		}
		if found {
			d.Skipped = append(d.Skipped, schemas.FunctionCall{ID: fc.ID, Name: fc.Name})
			continue
		}
		d = actionDecision(fc.Name, fc.Args)
		d.CallID = fc.ID
		found = true
	}
	return d, found
}

// textAction is the shape models use when they answer in prose with JSON inside.
type textAction struct {
	Action string                 `json:"action"`
	Args   map[string]interface{} `json:"args"`
	Result string                 `json:"result"`
}

func parseTextJSON(r parsedResponse) (Decision, bool) {
	obj, ok := firstJSONObject(r.joinedText())
	if !ok {
		return Decision{}, false
	}
	var ta textAction
	if err := json.UnmarshalFromString(obj, &ta); err != nil {
		return Decision{}, false
	}
	if ta.Action == "" {
		ta.Action = doneAction
	}
	d := actionDecision(ta.Action, ta.Args)
	if d.Terminal && ta.Result != "" {
		d.Result = ta.Result
	}
	return d, true
}

// actionDecision turns a name and args into a decision, treating "done" and
// safety confirmation requests as terminal.
func actionDecision(name string, args map[string]interface{}) Decision {
	if args == nil {
		args = map[string]interface{}{}
	}
	if name == doneAction {
		result := defaultResult
		if s, ok := args["result"].(string); ok && s != "" {
			result = s
		}
		return Decision{Action: name, Args: args, Terminal: true, Result: result}
	}
	if explanation, ok := confirmationRequest(args); ok {
		return Decision{
			Action:   name,
			Args:     args,
			Terminal: true,
			Result:   explanation,
			Err:      ErrConfirmationRequired,
		}
	}
	return Decision{Action: name, Args: args}
}

// confirmationRequest detects args.safety_decision.decision == "require_confirmation".
func confirmationRequest(args map[string]interface{}) (string, bool) {
	sd, ok := args["safety_decision"].(map[string]interface{})
	if !ok {
		return "", false
	}
	if decision, _ := sd["decision"].(string); decision != "require_confirmation" {
		return "", false
	}
	explanation, _ := sd["explanation"].(string)
	if explanation == "" {
		explanation = "Safety confirmation required"
	}
	return explanation, true
}

// firstJSONObject returns the first balanced {...} substring of s, honoring
// string literals so braces inside quotes are not counted.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		if end := matchBrace(s, start); end > 0 {
			return s[start : end+1], true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
