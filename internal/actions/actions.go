// internal/actions/actions.go
package actions

import (
	"net/url"
)

// Name is the closed vocabulary of actions the agent can execute.
type Name string

const (
	// -- Navigation (privileged, handled by the navigator) --
	OpenWebBrowser Name = "open_web_browser" // Loads a URL in the controlled page.
	GoBack         Name = "go_back"          // Steps back in session history.
	GoForward      Name = "go_forward"       // Steps forward in session history.

	// -- Model aliases rewritten by Normalize --
	Navigate Name = "navigate" // Alias of open_web_browser.
	Search   Name = "search"   // Rewritten to a search engine results page.

	// -- Page interaction (handled by the execution surface) --
	ClickAt        Name = "click_at"
	HoverAt        Name = "hover_at"
	TypeTextAt     Name = "type_text_at"
	KeyCombination Name = "key_combination"
	ScrollDocument Name = "scroll_document"
	ScrollAt       Name = "scroll_at"
	DragAndDrop    Name = "drag_and_drop"
	FindOnPage     Name = "find_on_page"
	Wait5Seconds   Name = "wait_5_seconds"

	// -- Mission control --
	Done Name = "done" // The model considers the goal achieved.
)

// legacyAliases maps older vocabulary still produced by some models.
var legacyAliases = map[Name]Name{
	"type_at": TypeTextAt,
	"scroll":  ScrollDocument,
}

const (
	DefaultBrowserURL = "https://www.google.com"
	searchURLPrefix   = "https://www.google.com/search?q="
)

// Action is a canonical, executable action.
type Action struct {
	Name Name                   `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// vocabulary is the executable action set after normalization.
var vocabulary = []Name{
	OpenWebBrowser, GoBack, GoForward,
	ClickAt, HoverAt, TypeTextAt, KeyCombination,
	ScrollDocument, ScrollAt, DragAndDrop, FindOnPage, Wait5Seconds, Done,
}

// Vocabulary returns a copy of the executable action set.
func Vocabulary() []Name {
	return append([]Name(nil), vocabulary...)
}

// IsNavigation reports whether n changes the page location and must bypass the
// in-page execution surface.
func IsNavigation(n Name) bool {
	return n == OpenWebBrowser || n == GoBack || n == GoForward
}

// Normalize rewrites model vocabulary into canonical actions. It never mutates
// its input and Normalize(Normalize(a)) == Normalize(a).
func Normalize(a Action) Action {
	out := Action{Name: a.Name, Args: copyArgs(a.Args)}

	if alias, ok := legacyAliases[out.Name]; ok {
		out.Name = alias
	}

	switch out.Name {
	case Navigate:
		out.Name = OpenWebBrowser
	case Search:
		out.Name = OpenWebBrowser
		if q := StringArg(out.Args, "query"); q != "" {
			out.Args["url"] = searchURLPrefix + url.QueryEscape(q)
		}
	}

	if out.Name == OpenWebBrowser && StringArg(out.Args, "url") == "" {
		out.Args["url"] = DefaultBrowserURL
	}
	return out
}

func copyArgs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// StringArg returns args[key] when it is a string, otherwise "".
func StringArg(args map[string]interface{}, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

// NumberArg returns args[key] as a float64, accepting any JSON or Go numeric type.
func NumberArg(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// BoolArg returns args[key] as a bool, or def when absent or not a bool.
func BoolArg(args map[string]interface{}, key string, def bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}
