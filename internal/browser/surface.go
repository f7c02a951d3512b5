// internal/browser/surface.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/actions"
	"github.com/xkilldash9x/atlas-cli/internal/bus"
)

const (
	// documentScrollFraction of the viewport is scrolled per scroll_document.
	documentScrollFraction = 0.8
	defaultScrollMagnitude = 400.0
)

// CommandSource is the surface's side of the command bus.
type CommandSource interface {
	Subscribe(msgTypes ...bus.MessageType) (<-chan bus.Message, func())
	Reply(requestID string, resp schemas.CommandResponse) bool
	Acknowledge(msg bus.Message)
}

// DriverSource hands out the input driver of a tab.
type DriverSource interface {
	Driver(tabID string) (Driver, error)
}

// handler executes one surface action with device-pixel args.
type handler func(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error)

// Surface is the in-page execution surface. It receives commands from the
// bus, performs them one at a time with a tab's Driver and replies.
type Surface struct {
	commands CommandSource
	drivers  DriverSource
	handlers map[actions.Name]handler
	logger   *zap.Logger
}

// NewSurface creates a Surface. Call Run to start serving commands.
func NewSurface(commands CommandSource, drivers DriverSource, logger *zap.Logger) *Surface {
	s := &Surface{
		commands: commands,
		drivers:  drivers,
		logger:   logger.Named("execution_surface"),
	}
	s.handlers = map[actions.Name]handler{
		actions.ClickAt:        s.clickAt,
		actions.HoverAt:        s.hoverAt,
		actions.TypeTextAt:     s.typeTextAt,
		actions.KeyCombination: s.keyCombination,
		actions.ScrollDocument: s.scrollDocument,
		actions.ScrollAt:       s.scrollAt,
		actions.DragAndDrop:    s.dragAndDrop,
		actions.FindOnPage:     s.findOnPage,
		actions.Done:           s.done,
	}
	return s
}

// Handles reports whether the surface implements name.
func (s *Surface) Handles(name actions.Name) bool {
	_, ok := s.handlers[name]
	return ok
}

// Run serves commands until ctx is done or the bus shuts down.
func (s *Surface) Run(ctx context.Context) error {
	ch, unsubscribe := s.commands.Subscribe(bus.MessageTypeCommand)
	s.logger.Info("Execution surface started.")
	defer func() {
		unsubscribe()
		// Release anything still buffered so the bus can shut down.
		for msg := range ch {
			s.commands.Acknowledge(msg)
		}
		s.logger.Info("Execution surface stopped.")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg)
		}
	}
}

func (s *Surface) handleMessage(ctx context.Context, msg bus.Message) {
	defer s.commands.Acknowledge(msg)

	cmd, ok := msg.Payload.(schemas.Command)
	if !ok {
		s.commands.Reply(msg.ID, schemas.CommandResponse{Error: fmt.Sprintf("invalid command payload %T", msg.Payload)})
		return
	}
	tabID := cmd.TabID
	if tabID == "" {
		tabID = msg.TabID
	}
	resp := s.Execute(ctx, tabID, cmd)
	if !s.commands.Reply(msg.ID, resp) {
		s.logger.Debug("Reply was not delivered", zap.String("command", cmd.Command), zap.String("id", msg.ID))
	}
}

// Execute performs cmd on the given tab.
func (s *Surface) Execute(ctx context.Context, tabID string, cmd schemas.Command) schemas.CommandResponse {
	h, ok := s.handlers[actions.Name(cmd.Command)]
	if !ok {
		return schemas.CommandResponse{Error: "unknown action: " + cmd.Command}
	}
	d, err := s.drivers.Driver(tabID)
	if err != nil {
		return schemas.CommandResponse{Error: err.Error()}
	}

	extra, err := h(ctx, d, cmd.Args)
	if err != nil {
		s.logger.Warn("Surface action failed", zap.String("command", cmd.Command), zap.Error(err))
		return schemas.CommandResponse{Error: err.Error(), Extra: extra}
	}
	s.logger.Debug("Surface action done", zap.String("command", cmd.Command))
	return schemas.CommandResponse{Success: true, Extra: extra}
}

// -- Coordinates --

// toCSS converts a device-pixel point to CSS pixels and clamps it into the viewport.
func toCSS(x, y float64, vp schemas.Viewport) (float64, float64) {
	dpr := vp.DevicePixelRatio
	if dpr <= 0 {
		dpr = 1
	}
	return clamp(x/dpr, vp.Width), clamp(y/dpr, vp.Height)
}

func clamp(v, extent float64) float64 {
	if extent > 0 {
		v = math.Min(v, extent-1)
	}
	return math.Max(0, v)
}

var errMissingPoint = errors.New("missing coordinates")

// point reads the device-pixel pair (xKey, yKey) from args as CSS pixels.
func point(ctx context.Context, d Driver, args map[string]interface{}, xKey, yKey string) (float64, float64, schemas.Viewport, error) {
	x, okX := actions.NumberArg(args, xKey)
	y, okY := actions.NumberArg(args, yKey)
	if !okX || !okY {
		return 0, 0, schemas.Viewport{}, fmt.Errorf("%w: %s, %s", errMissingPoint, xKey, yKey)
	}
	vp, err := d.Viewport(ctx)
	if err != nil {
		return 0, 0, schemas.Viewport{}, err
	}
	cx, cy := toCSS(x, y, vp)
	return cx, cy, vp, nil
}

func cssExtra(x, y float64) map[string]interface{} {
	return map[string]interface{}{"css_x": x, "css_y": y}
}

// -- Handlers --

func (s *Surface) clickAt(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error) {
	x, y, _, err := point(ctx, d, args, "x", "y")
	if err != nil {
		return nil, err
	}
	return cssExtra(x, y), d.Click(ctx, x, y)
}

func (s *Surface) hoverAt(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error) {
	x, y, _, err := point(ctx, d, args, "x", "y")
	if err != nil {
		return nil, err
	}
	return cssExtra(x, y), d.MoveMouse(ctx, x, y)
}

func (s *Surface) typeTextAt(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error) {
	x, y, _, err := point(ctx, d, args, "x", "y")
	if err != nil {
		return nil, err
	}
	if err := d.Click(ctx, x, y); err != nil {
		return nil, fmt.Errorf("failed to focus element: %w", err)
	}
	if actions.BoolArg(args, "clear_before_typing", true) {
		if err := d.PressKey(ctx, schemas.KeyEventData{Key: "a", Modifiers: schemas.ModCtrl}); err != nil {
			return nil, err
		}
		if err := d.PressKey(ctx, schemas.KeyEventData{Key: "Backspace"}); err != nil {
			return nil, err
		}
	}
	if err := d.InsertText(ctx, actions.StringArg(args, "text")); err != nil {
		return nil, err
	}
	if actions.BoolArg(args, "press_enter", true) {
		if err := d.PressKey(ctx, schemas.KeyEventData{Key: "Enter"}); err != nil {
			return nil, err
		}
	}
	return cssExtra(x, y), nil
}

// parseKeyCombination turns "Control+Shift+T" into a key event.
func parseKeyCombination(keys string) (schemas.KeyEventData, error) {
	var ev schemas.KeyEventData
	for _, part := range strings.Split(keys, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if mod, ok := schemas.LookupModifier(strings.ToLower(part)); ok {
			ev.Modifiers |= mod
			continue
		}
		if ev.Key != "" {
			return schemas.KeyEventData{}, fmt.Errorf("more than one key in %q", keys)
		}
		ev.Key = part
	}
	if ev.Key == "" {
		return schemas.KeyEventData{}, fmt.Errorf("no key in %q", keys)
	}
	// Shortcuts address the unshifted key.
	if len(ev.Key) == 1 && ev.Modifiers&(schemas.ModCtrl|schemas.ModMeta|schemas.ModAlt) != 0 {
		ev.Key = strings.ToLower(ev.Key)
	}
	return ev, nil
}

func (s *Surface) keyCombination(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error) {
	ev, err := parseKeyCombination(actions.StringArg(args, "keys"))
	if err != nil {
		return nil, err
	}
	return nil, d.PressKey(ctx, ev)
}

func (s *Surface) scrollDocument(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error) {
	direction := strings.ToLower(actions.StringArg(args, "direction"))
	if direction == "" {
		direction = "down"
	}
	switch direction {
	case "top":
		return nil, d.Evaluate(ctx, `window.scrollTo({top: 0}); true`, nil)
	case "bottom":
		return nil, d.Evaluate(ctx, `window.scrollTo({top: document.body.scrollHeight}); true`, nil)
	}

	vp, err := d.Viewport(ctx)
	if err != nil {
		return nil, err
	}
	dx, dy, err := scrollDelta(direction, vp.Width*documentScrollFraction, vp.Height*documentScrollFraction)
	if err != nil {
		return nil, err
	}
	return nil, d.Wheel(ctx, vp.Width/2, vp.Height/2, dx, dy)
}

func (s *Surface) scrollAt(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error) {
	x, y, _, err := point(ctx, d, args, "x", "y")
	if err != nil {
		return nil, err
	}
	magnitude, ok := actions.NumberArg(args, "magnitude")
	if !ok || magnitude <= 0 {
		magnitude = defaultScrollMagnitude
	}
	direction := strings.ToLower(actions.StringArg(args, "direction"))
	if direction == "" {
		direction = "down"
	}
	dx, dy, err := scrollDelta(direction, magnitude, magnitude)
	if err != nil {
		return nil, err
	}
	return cssExtra(x, y), d.Wheel(ctx, x, y, dx, dy)
}

func scrollDelta(direction string, horizontal, vertical float64) (float64, float64, error) {
	switch direction {
	case "down":
		return 0, vertical, nil
	case "up":
		return 0, -vertical, nil
	case "right":
		return horizontal, 0, nil
	case "left":
		return -horizontal, 0, nil
	}
	return 0, 0, fmt.Errorf("unknown direction: %s", direction)
}

func (s *Surface) dragAndDrop(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error) {
	fromX, fromY, vp, err := point(ctx, d, args, "x", "y")
	if err != nil {
		return nil, err
	}
	dx, okX := actions.NumberArg(args, "destination_x")
	dy, okY := actions.NumberArg(args, "destination_y")
	if !okX || !okY {
		return nil, fmt.Errorf("%w: destination_x, destination_y", errMissingPoint)
	}
	toX, toY := toCSS(dx, dy, vp)
	return nil, d.Drag(ctx, fromX, fromY, toX, toY)
}

// findScript selects and reveals the first text node containing the query.
const findScript = `(() => {
  const query = %s;
  const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
  let node;
  while ((node = walker.nextNode())) {
    if (node.textContent.includes(query)) {
      const range = document.createRange();
      range.selectNodeContents(node);
      const selection = window.getSelection();
      selection.removeAllRanges();
      selection.addRange(range);
      node.parentElement.scrollIntoView({block: 'center'});
      return true;
    }
  }
  return false;
})()`

func (s *Surface) findOnPage(ctx context.Context, d Driver, args map[string]interface{}) (map[string]interface{}, error) {
	query := actions.StringArg(args, "text")
	if query == "" {
		query = actions.StringArg(args, "query")
	}
	if query == "" {
		return nil, errors.New("no search query")
	}
	encoded, err := json.MarshalToString(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	var found bool
	if err := d.Evaluate(ctx, fmt.Sprintf(findScript, encoded), &found); err != nil {
		return nil, err
	}
	return map[string]interface{}{"found": found}, nil
}

func (s *Surface) done(_ context.Context, _ Driver, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"done": true, "result": actions.StringArg(args, "result")}, nil
}
