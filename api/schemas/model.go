package schemas

import (
	json "github.com/json-iterator/go"
)

// -- Decision Model Wire Schemas --
//
// These mirror the generateContent JSON body exactly. Every Part carries
// exactly one of its payload fields.

// Role identifies the author of a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one entry of the conversation sent to the decision model.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a single piece of a Turn.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	InlineData       *InlineData       `json:"inline_data,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`

	// Raw is the part exactly as the model sent it. When set it is marshaled
	// in place of the typed fields, which are then a read-only view of it.
	Raw json.RawMessage `json:"-"`
}

// MarshalJSON replays Raw verbatim when present.
func (p Part) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	type plain Part
	return json.Marshal(plain(p))
}

// InlineData carries base64 encoded binary content.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// FunctionCall is a tool invocation chosen by the model.
type FunctionCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// FunctionResponse reports the outcome of a FunctionCall back to the model.
type FunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// Tool declares a capability offered to the model.
type Tool struct {
	ComputerUse *ComputerUse `json:"computer_use,omitempty"`
}

// ComputerUse enables the computer-use tool for a given environment.
type ComputerUse struct {
	Environment string `json:"environment"`
}

// GenerateContentRequest is the request body for a single decision.
type GenerateContentRequest struct {
	Contents []Turn `json:"contents"`
	Tools    []Tool `json:"tools"`
}

// APIErrorResponse is the body returned with a non-2xx status.
type APIErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// TextPart builds a text Part.
func TextPart(text string) Part {
	return Part{Text: text}
}
