package framewalk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// findElementRetries bounds how many times a malformed model response is
// retried with feedback before giving up.
const findElementRetries = 3

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLM abstracts the model used to pick an element and method for a
// natural-language instruction. Implementations are supplied by the
// caller; the engine never talks to a provider itself.
type LLM interface {
	// Invoke sends the conversation and returns the model's free-form
	// reply. Used for extraction flows that want prose, not structure.
	Invoke(ctx context.Context, messages []Message) (string, error)

	// InvokeStructured sends the conversation with a JSON schema the
	// response must satisfy and returns the raw model output.
	InvokeStructured(ctx context.Context, schema string, messages []Message) (string, error)
}

// FindElementResult is the validated outcome of a FindElement call: an
// element of the current snapshot plus a method of the closed action set.
type FindElementResult struct {
	EncodedID  EncodedID    `json:"encodedId"`
	Method     ActionMethod `json:"method"`
	Arguments  []string     `json:"arguments"`
	Confidence float64      `json:"confidence"`
}

// findElementSchema is the structured-output contract sent with every
// FindElement invocation.
var findElementSchema = fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "encodedId": {"type": "string", "pattern": "^[0-9]+-[0-9]+$"},
    "method": {"type": "string", "enum": [%s]},
    "arguments": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["encodedId", "method", "arguments"]
}`, quotedMethods())

func quotedMethods() string {
	quoted := make([]string, len(ActionMethods))
	for i, m := range ActionMethods {
		quoted[i] = `"` + string(m) + `"`
	}
	return strings.Join(quoted, ", ")
}

const findElementSystemPrompt = `You map a user instruction onto exactly one element of a page outline.
Each line of the outline is "[frameIndex-nodeId] role: name". Respond with
JSON only: the encodedId of the chosen element, one method from the allowed
set, its arguments, and your confidence. Pick the single best element; do
not invent ids.`

// FindElement asks the model to choose an element and action for an
// instruction against a snapshot. Malformed or invalid responses are
// retried up to three times with the validation error fed back; fields are
// salvaged from non-JSON output before a retry is spent.
func FindElement(ctx context.Context, llm LLM, snap *Snapshot, instruction string) (*FindElementResult, error) {
	if llm == nil {
		return nil, fmt.Errorf("no model configured")
	}
	messages := []Message{
		{Role: "system", Content: findElementSystemPrompt},
		{Role: "user", Content: "Page outline:\n" + snap.DOMState + "\n\nInstruction: " + instruction},
	}

	var lastErr error
	for attempt := 0; attempt < findElementRetries; attempt++ {
		raw, err := llm.InvokeStructured(ctx, findElementSchema, messages)
		if err != nil {
			return nil, err
		}
		res, err := parseFindElement(raw)
		if err == nil {
			err = validateFindElement(snap, res)
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		messages = append(messages,
			Message{Role: "assistant", Content: raw},
			Message{Role: "user", Content: "That response was invalid: " + err.Error() + ". Respond again with JSON matching the schema."},
		)
	}
	return nil, fmt.Errorf("%w: %v", ErrNoStructuredOutput, lastErr)
}

const extractSystemPrompt = `You answer questions about a web page from its outline.
Each line of the outline is "[frameIndex-nodeId] role: name". Answer the
user's question using only what the outline shows; say so when the page
does not contain the answer.`

// Extract asks the model a free-form question about a snapshot and returns
// its prose answer verbatim.
func Extract(ctx context.Context, llm LLM, snap *Snapshot, instruction string) (string, error) {
	if llm == nil {
		return "", fmt.Errorf("no model configured")
	}
	messages := []Message{
		{Role: "system", Content: extractSystemPrompt},
		{Role: "user", Content: "Page outline:\n" + snap.DOMState + "\n\nQuestion: " + instruction},
	}
	return llm.Invoke(ctx, messages)
}

// parseFindElement decodes the model output, falling back to gjson field
// extraction when the output is not a clean JSON document (markdown
// fences, leading prose).
func parseFindElement(raw string) (*FindElementResult, error) {
	var res FindElementResult
	if err := json.Unmarshal([]byte(raw), &res); err == nil {
		return &res, nil
	}

	salvage := stripToObject(raw)
	if err := json.Unmarshal([]byte(salvage), &res); err == nil {
		return &res, nil
	}

	id := gjson.Get(salvage, "encodedId")
	method := gjson.Get(salvage, "method")
	if !id.Exists() || !method.Exists() {
		return nil, fmt.Errorf("output is not JSON and has no salvageable fields")
	}
	res = FindElementResult{
		EncodedID:  EncodedID(id.String()),
		Method:     ActionMethod(method.String()),
		Confidence: gjson.Get(salvage, "confidence").Float(),
	}
	for _, arg := range gjson.Get(salvage, "arguments").Array() {
		res.Arguments = append(res.Arguments, arg.String())
	}
	return &res, nil
}

// stripToObject cuts surrounding prose and markdown fences down to the
// outermost JSON object.
func stripToObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

// validateFindElement enforces the closed method set and membership of the
// chosen id in the snapshot.
func validateFindElement(snap *Snapshot, res *FindElementResult) error {
	if !res.EncodedID.Valid() {
		return fmt.Errorf("%w: %q", ErrBadEncodedID, res.EncodedID)
	}
	if _, ok := snap.Elements[res.EncodedID]; !ok {
		return fmt.Errorf("id %s is not in the page outline", res.EncodedID)
	}
	if err := validateArgs(res.Method, res.Arguments); err != nil {
		return err
	}
	return nil
}
