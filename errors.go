package framewalk

import (
	"errors"
	"fmt"
	"strings"
)

// Error types.
var (
	// ErrBadEncodedID is the error returned when an element id does not
	// match the "<frameIndex>-<backendNodeId>" wire format.
	ErrBadEncodedID = errors.New("bad encoded id")

	// ErrFrameNotFound is the error returned when the frame index of an
	// encoded id is not present in the frame graph.
	ErrFrameNotFound = errors.New("frame not found")

	// ErrNoXPath is the error returned when no xpath is recorded for an
	// encoded id, making stale-element recovery impossible.
	ErrNoXPath = errors.New("no xpath for element")

	// ErrFrameNotReady is the error returned when a frame's execution
	// context never became available within the wait budget.
	ErrFrameNotReady = errors.New("frame not ready")

	// ErrStaleElement is the error returned when xpath recovery found no
	// node for a previously observed element.
	ErrStaleElement = errors.New("stale element")

	// ErrNotInteractable is the error returned when an element has no
	// layout (display:none, detached, zero-size) at action time.
	ErrNotInteractable = errors.New("element not interactable")

	// ErrInvalidBoxModel is the error returned when the retrieved box model
	// data is invalid.
	ErrInvalidBoxModel = errors.New("invalid box model")

	// ErrUnknownMethod is the error returned when an action names a method
	// outside the closed action set.
	ErrUnknownMethod = errors.New("unknown action method")

	// ErrSessionDetached is the error returned when a CDP session was
	// detached while a command on it was mandatory.
	ErrSessionDetached = errors.New("session detached")

	// ErrChannelClosed is the error returned when the transport closed
	// before a command response arrived.
	ErrChannelClosed = errors.New("transport closed")

	// ErrPageClosed is the error returned when the page went away
	// mid-operation.
	ErrPageClosed = errors.New("page closed")

	// ErrNoStructuredOutput is the error returned when the language model
	// produced no parseable structured output after all attempts.
	ErrNoStructuredOutput = errors.New("no structured output from model")

	// ErrCaptureFailed is the error returned when a capture cycle exhausted
	// its retries.
	ErrCaptureFailed = errors.New("capture failed after retries")
)

// CDPError wraps an error returned by the browser for a CDP command,
// preserving the failing method so callers can report it.
type CDPError struct {
	Method string
	Err    error
}

// Error satisfies the error interface.
func (e *CDPError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

// Unwrap satisfies errors.Unwrap.
func (e *CDPError) Unwrap() error { return e.Err }

func cdpErr(method string, err error) error {
	if err == nil {
		return nil
	}
	return &CDPError{Method: method, Err: err}
}

// isNodeGoneError reports whether err indicates that a backend node id no
// longer resolves to a live node. This class of error triggers xpath
// recovery in the resolver.
func isNodeGoneError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no node with given id") ||
		strings.Contains(msg, "could not find node") ||
		strings.Contains(msg, "node with given id does not belong to the document")
}

// isContextGoneError reports whether err indicates that the execution
// context or target backing a command disappeared. This class of error is
// recoverable by retrying the whole capture.
func isContextGoneError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution context was destroyed") ||
		strings.Contains(msg, "cannot find context with specified id") ||
		strings.Contains(msg, "inspected target navigated or closed") ||
		strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "session with given id not found")
}
