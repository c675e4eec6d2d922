package framewalk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/sirupsen/logrus"
)

// ActionMethod names one operation of the closed action set.
type ActionMethod string

// The closed action set. Callers, including the model, may request only
// these.
const (
	ActionClick              ActionMethod = "click"
	ActionFill               ActionMethod = "fill"
	ActionType               ActionMethod = "type"
	ActionPress              ActionMethod = "press"
	ActionSelectOption       ActionMethod = "selectOptionFromDropdown"
	ActionCheck              ActionMethod = "check"
	ActionUncheck            ActionMethod = "uncheck"
	ActionHover              ActionMethod = "hover"
	ActionScrollToElement    ActionMethod = "scrollToElement"
	ActionScrollToPercentage ActionMethod = "scrollToPercentage"
	ActionNextChunk          ActionMethod = "nextChunk"
	ActionPrevChunk          ActionMethod = "prevChunk"
)

// ActionMethods lists the closed set in a stable order.
var ActionMethods = []ActionMethod{
	ActionClick, ActionFill, ActionType, ActionPress,
	ActionSelectOption, ActionCheck, ActionUncheck, ActionHover,
	ActionScrollToElement, ActionScrollToPercentage,
	ActionNextChunk, ActionPrevChunk,
}

// actionArgRange gives the accepted argument counts per method.
var actionArgRange = map[ActionMethod][2]int{
	ActionClick:              {0, 0},
	ActionFill:               {1, 1},
	ActionType:               {1, 2},
	ActionPress:              {1, 1},
	ActionSelectOption:       {1, 1},
	ActionCheck:              {0, 0},
	ActionUncheck:            {0, 0},
	ActionHover:              {0, 0},
	ActionScrollToElement:    {0, 0},
	ActionScrollToPercentage: {1, 1},
	ActionNextChunk:          {0, 0},
	ActionPrevChunk:          {0, 0},
}

// Method-specific budgets.
const (
	clickTimeout  = 3500 * time.Millisecond
	actionTimeout = 10 * time.Second
)

// ActionResult is the compact outcome of one action dispatch.
type ActionResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func failure(format string, args ...any) ActionResult {
	return ActionResult{OK: false, Message: fmt.Sprintf(format, args...)}
}

// dispatcher executes the closed action set against resolved elements
// through CDP Input, Runtime and DOM primitives.
type dispatcher struct {
	client   *Client
	graph    *FrameGraph
	resolver *resolver
	settler  *settler
	logger   *logrus.Logger

	aliasMu sync.Mutex
	aliases map[string]ActionMethod
}

func newDispatcher(client *Client, graph *FrameGraph, logger *logrus.Logger) *dispatcher {
	return &dispatcher{
		client:   client,
		graph:    graph,
		resolver: &resolver{client: client, graph: graph, logger: logger},
		settler:  newSettler(client, logger),
		logger:   logger,
		aliases:  make(map[string]ActionMethod),
	}
}

// registerAlias maps a custom action name onto one of the closed methods.
func (d *dispatcher) registerAlias(name string, method ActionMethod) error {
	if _, ok := actionArgRange[method]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	d.aliasMu.Lock()
	d.aliases[name] = method
	d.aliasMu.Unlock()
	return nil
}

// parseMethod resolves a method name, applying registered aliases.
func (d *dispatcher) parseMethod(name string) (ActionMethod, error) {
	d.aliasMu.Lock()
	if m, ok := d.aliases[name]; ok {
		d.aliasMu.Unlock()
		return m, nil
	}
	d.aliasMu.Unlock()
	m := ActionMethod(name)
	if _, ok := actionArgRange[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return m, nil
}

// validateArgs checks the argument shape for a method at the boundary.
func validateArgs(method ActionMethod, args []string) error {
	r, ok := actionArgRange[method]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if len(args) < r[0] || len(args) > r[1] {
		return fmt.Errorf("%s takes %d-%d arguments, got %d", method, r[0], r[1], len(args))
	}
	switch method {
	case ActionPress:
		if _, ok := keyDefFor(args[0]); !ok {
			return fmt.Errorf("unknown key %q", args[0])
		}
	case ActionType:
		if len(args) == 2 && args[1] != "Enter" {
			return fmt.Errorf("second argument of type must be \"Enter\", got %q", args[1])
		}
	case ActionScrollToPercentage:
		pct, err := strconv.ParseFloat(args[0], 64)
		if err != nil || pct < 0 || pct > 100 {
			return fmt.Errorf("scroll percentage must be in [0,100], got %q", args[0])
		}
	}
	return nil
}

// Execute runs one action against an element of the snapshot. The snapshot
// is marked dirty before a successful return.
func (d *dispatcher) Execute(ctx context.Context, snap *Snapshot, id EncodedID, method ActionMethod, args []string) ActionResult {
	if !id.Valid() {
		return failure("bad-request: %v", fmt.Errorf("%w: %q", ErrBadEncodedID, id))
	}
	if err := validateArgs(method, args); err != nil {
		return failure("bad-request: %v", err)
	}

	budget := actionTimeout
	if method == ActionClick {
		budget = clickTimeout
	}
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	node, err := d.resolver.resolve(actx, snap, id)
	if err != nil {
		return failure("resolve %s: %v", id, err)
	}

	if err := dom.ScrollIntoViewIfNeeded().
		WithBackendNodeID(node.BackendNodeID).
		Do(withExecutor(actx, node.Session)); err != nil {
		debugf(d.logger, "Dispatcher:scrollIntoView", "id:%s %v", id, err)
	}

	if err := d.perform(actx, snap, id, node, method, args); err != nil {
		return failure("%s %s: %v", method, id, err)
	}

	reason := ""
	if method != ActionHover {
		reason = d.settler.WaitForSettledDOM(ctx)
		snap.Metrics.SettleReason = reason
	}
	snap.MarkDirty()

	debugf(d.logger, "Dispatcher:execute", "id:%s method:%s settle:%s", id, method, reason)
	msg := fmt.Sprintf("%s on %s", method, id)
	if reason != "" {
		msg += " (settle: " + reason + ")"
	}
	return ActionResult{OK: true, Message: msg}
}

func (d *dispatcher) perform(ctx context.Context, snap *Snapshot, id EncodedID, node *ResolvedNode, method ActionMethod, args []string) error {
	switch method {
	case ActionClick:
		x, y, err := d.clickPoint(ctx, snap, id, node)
		if err != nil {
			return err
		}
		return d.click(ctx, node.Session, x, y)

	case ActionHover:
		x, y, err := d.clickPoint(ctx, snap, id, node)
		if err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseMoved, x, y).
			Do(withExecutor(ctx, node.Session))

	case ActionFill:
		return callOnNode(ctx, node.Session, node.ObjectID, fillJS, nil, args[0])

	case ActionType:
		if err := callOnNode(ctx, node.Session, node.ObjectID, focusJS, nil); err != nil {
			return err
		}
		if err := input.InsertText(args[0]).Do(withExecutor(ctx, node.Session)); err != nil {
			return cdpErr(input.CommandInsertText, err)
		}
		if len(args) == 2 {
			return d.pressKey(ctx, node.Session, "Enter")
		}
		return nil

	case ActionPress:
		if err := callOnNode(ctx, node.Session, node.ObjectID, focusJS, nil); err != nil {
			return err
		}
		return d.pressKey(ctx, node.Session, args[0])

	case ActionSelectOption:
		var matched bool
		if err := callOnNode(ctx, node.Session, node.ObjectID, selectOptionJS, &matched, args[0]); err != nil {
			return err
		}
		if !matched {
			return fmt.Errorf("no option matching %q", args[0])
		}
		return nil

	case ActionCheck:
		return callOnNode(ctx, node.Session, node.ObjectID, setCheckedJS, nil, true)

	case ActionUncheck:
		return callOnNode(ctx, node.Session, node.ObjectID, setCheckedJS, nil, false)

	case ActionScrollToElement:
		// scrollIntoViewIfNeeded already ran.
		return nil

	case ActionScrollToPercentage:
		pct, _ := strconv.ParseFloat(args[0], 64)
		return callOnNode(ctx, node.Session, node.ObjectID, scrollToPercentageJS, nil, pct)

	case ActionNextChunk:
		return callOnNode(ctx, node.Session, node.ObjectID, chunkScrollJS, nil, 1)

	case ActionPrevChunk:
		return callOnNode(ctx, node.Session, node.ObjectID, chunkScrollJS, nil, -1)
	}
	return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}

// click dispatches the move, press, release sequence.
func (d *dispatcher) click(ctx context.Context, sess *Session, x, y float64) error {
	ectx := withExecutor(ctx, sess)
	if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ectx); err != nil {
		return cdpErr(input.CommandDispatchMouseEvent, err)
	}
	if err := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).
		WithClickCount(1).
		Do(ectx); err != nil {
		return cdpErr(input.CommandDispatchMouseEvent, err)
	}
	if err := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).
		WithClickCount(1).
		Do(ectx); err != nil {
		return cdpErr(input.CommandDispatchMouseEvent, err)
	}
	return nil
}

// pressKey dispatches a keyDown/keyUp pair for a named key.
func (d *dispatcher) pressKey(ctx context.Context, sess *Session, name string) error {
	def, ok := keyDefFor(name)
	if !ok {
		return fmt.Errorf("unknown key %q", name)
	}
	ectx := withExecutor(ctx, sess)

	keyType := input.KeyDown
	if def.Text == "" {
		keyType = input.KeyRawDown
	}
	down := input.DispatchKeyEvent(keyType).
		WithKey(def.Key).
		WithCode(def.Code).
		WithWindowsVirtualKeyCode(def.KeyCode).
		WithNativeVirtualKeyCode(def.KeyCode).
		WithText(def.Text).
		WithUnmodifiedText(def.Text)
	if err := down.Do(ectx); err != nil {
		return cdpErr(input.CommandDispatchKeyEvent, err)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(def.Key).
		WithCode(def.Code).
		WithWindowsVirtualKeyCode(def.KeyCode).
		WithNativeVirtualKeyCode(def.KeyCode)
	if err := up.Do(ectx); err != nil {
		return cdpErr(input.CommandDispatchKeyEvent, err)
	}
	return nil
}

// clickPoint prefers the snapshot's bounding box and falls back to the box
// model's border quad center.
func (d *dispatcher) clickPoint(ctx context.Context, snap *Snapshot, id EncodedID, node *ResolvedNode) (float64, float64, error) {
	if r, ok := snap.BoundingBoxMap[id]; ok && r.Width > 0 && r.Height > 0 {
		return r.X + r.Width/2, r.Y + r.Height/2, nil
	}
	box, err := dom.GetBoxModel().
		WithBackendNodeID(node.BackendNodeID).
		Do(withExecutor(ctx, node.Session))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotInteractable, err)
	}
	if box == nil || len(box.Border)%2 != 0 || len(box.Border) == 0 {
		return 0, 0, ErrInvalidBoxModel
	}
	var x, y float64
	for i := 0; i < len(box.Border); i += 2 {
		x += box.Border[i]
		y += box.Border[i+1]
	}
	n := float64(len(box.Border) / 2)
	return x / n, y / n, nil
}

// callOnNode invokes a function declaration with the element as this,
// passing args by value and unmarshaling a by-value result into res.
func callOnNode(ctx context.Context, sess *Session, objectID runtime.RemoteObjectID, fnDecl string, res any, args ...any) error {
	var cargs []*runtime.CallArgument
	for _, a := range args {
		buf, err := json.Marshal(a)
		if err != nil {
			return err
		}
		cargs = append(cargs, &runtime.CallArgument{Value: buf})
	}
	p := runtime.CallFunctionOn(fnDecl).
		WithObjectID(objectID).
		WithReturnByValue(true).
		WithAwaitPromise(true)
	if len(cargs) > 0 {
		p = p.WithArguments(cargs)
	}
	obj, exp, err := p.Do(withExecutor(ctx, sess))
	if err != nil {
		return cdpErr(runtime.CommandCallFunctionOn, err)
	}
	if exp != nil {
		return cdpErr(runtime.CommandCallFunctionOn, exp)
	}
	if res == nil || obj == nil || len(obj.Value) == 0 {
		return nil
	}
	return json.Unmarshal(obj.Value, res)
}
