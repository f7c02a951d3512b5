// internal/browser/driver.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/humanoid"
)

// Driver is the low-level input vocabulary of a single page. Coordinates are
// CSS pixels relative to the viewport.
type Driver interface {
	Viewport(ctx context.Context) (schemas.Viewport, error)
	Click(ctx context.Context, x, y float64) error
	MoveMouse(ctx context.Context, x, y float64) error
	Drag(ctx context.Context, fromX, fromY, toX, toY float64) error
	Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error
	InsertText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key schemas.KeyEventData) error
	Evaluate(ctx context.Context, script string, res interface{}) error
}

const (
	inputTimeout    = 5 * time.Second
	dragSteps       = 10
	releaseDeadline = 2 * time.Second
)

// namedKeys maps model key names to chromedp/kb runes.
var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"space":      " ",
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"up":         kb.ArrowUp,
	"down":       kb.ArrowDown,
	"left":       kb.ArrowLeft,
	"right":      kb.ArrowRight,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"home":       kb.Home,
	"end":        kb.End,
}

// cdpDriver implements Driver over the tab's CDP session.
type cdpDriver struct {
	manager *Manager
	tab     schemas.TabHandle
	logger  *zap.Logger
}

func (d *cdpDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	return d.manager.run(ctx, d.tab, inputTimeout, actions...)
}

func (d *cdpDriver) Viewport(ctx context.Context) (schemas.Viewport, error) {
	var vp schemas.Viewport
	err := d.Evaluate(ctx, `({width: window.innerWidth, height: window.innerHeight, devicePixelRatio: window.devicePixelRatio || 1})`, &vp)
	if err != nil {
		return schemas.Viewport{}, fmt.Errorf("failed to read viewport: %w", err)
	}
	return vp, nil
}

func (d *cdpDriver) Click(ctx context.Context, x, y float64) error {
	return d.run(ctx,
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithButtons(1).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	)
}

func (d *cdpDriver) MoveMouse(ctx context.Context, x, y float64) error {
	return d.run(ctx, input.DispatchMouseEvent(input.MouseMoved, x, y))
}

func (d *cdpDriver) Drag(ctx context.Context, fromX, fromY, toX, toY float64) error {
	steps := make([]chromedp.Action, 0, dragSteps+2)
	steps = append(steps,
		input.DispatchMouseEvent(input.MouseMoved, fromX, fromY),
		input.DispatchMouseEvent(input.MousePressed, fromX, fromY).WithButton(input.Left).WithButtons(1).WithClickCount(1),
	)
	path := humanoid.Path(humanoid.Vector2D{X: fromX, Y: fromY}, humanoid.Vector2D{X: toX, Y: toY}, dragSteps)
	for _, p := range path {
		steps = append(steps, input.DispatchMouseEvent(input.MouseMoved, p.X, p.Y).WithButton(input.Left).WithButtons(1))
	}

	err := d.run(ctx, steps...)
	release := input.DispatchMouseEvent(input.MouseReleased, toX, toY).WithButton(input.Left).WithClickCount(1)
	if err != nil {
		// Never leave the button held down, even if ctx is already gone.
		relCtx, cancel := context.WithTimeout(Detach(ctx), releaseDeadline)
		defer cancel()
		if relErr := d.run(relCtx, release); relErr != nil {
			d.logger.Debug("Failed to release mouse after drag error", zap.Error(relErr))
		}
		return err
	}
	return d.run(ctx, release)
}

func (d *cdpDriver) Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error {
	return d.run(ctx, input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(deltaX).WithDeltaY(deltaY))
}

func (d *cdpDriver) InsertText(ctx context.Context, text string) error {
	return d.run(ctx, input.InsertText(text))
}

func (d *cdpDriver) PressKey(ctx context.Context, data schemas.KeyEventData) error {
	key, err := lookupKey(data.Key)
	if err != nil {
		return err
	}
	mods := cdpModifiers(data.Modifiers)

	down := input.DispatchKeyEvent(input.KeyDown).
		WithModifiers(mods).
		WithKey(key.Key).
		WithCode(key.Code).
		WithWindowsVirtualKeyCode(key.Windows).
		WithNativeVirtualKeyCode(key.Native)
	// Text is only produced for printable keys without shortcut modifiers.
	if key.Print && data.Modifiers&(schemas.ModCtrl|schemas.ModMeta|schemas.ModAlt) == 0 {
		text := key.Text
		if data.Modifiers&schemas.ModShift == 0 && key.Unmodified != "" {
			text = key.Unmodified
		}
		down = down.WithText(text)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithModifiers(mods).
		WithKey(key.Key).
		WithCode(key.Code).
		WithWindowsVirtualKeyCode(key.Windows).
		WithNativeVirtualKeyCode(key.Native)

	return d.run(ctx, down, up)
}

func (d *cdpDriver) Evaluate(ctx context.Context, script string, res interface{}) error {
	return d.run(ctx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
}

// lookupKey resolves a key name ("Enter", "a", "PageDown") to its definition.
func lookupKey(name string) (*kb.Key, error) {
	if r, ok := namedKeys[strings.ToLower(name)]; ok {
		name = r
	}
	if utf8.RuneCountInString(name) != 1 {
		return nil, fmt.Errorf("unknown key %q", name)
	}
	r, _ := utf8.DecodeRuneInString(name)
	key, ok := kb.Keys[r]
	if !ok {
		return nil, fmt.Errorf("unknown key %q", name)
	}
	return key, nil
}

func cdpModifiers(m schemas.KeyModifier) input.Modifier {
	var out input.Modifier
	if m&schemas.ModAlt != 0 {
		out |= input.ModifierAlt
	}
	if m&schemas.ModCtrl != 0 {
		out |= input.ModifierCtrl
	}
	if m&schemas.ModMeta != 0 {
		out |= input.ModifierMeta
	}
	if m&schemas.ModShift != 0 {
		out |= input.ModifierShift
	}
	return out
}
