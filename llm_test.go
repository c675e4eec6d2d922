package framewalk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM replays canned responses and records what it was asked.
type scriptedLLM struct {
	responses []string
	calls     int
	lastMsgs  []Message
}

func (s *scriptedLLM) next(messages []Message) (string, error) {
	s.lastMsgs = messages
	if s.calls >= len(s.responses) {
		return "", context.Canceled
	}
	raw := s.responses[s.calls]
	s.calls++
	return raw, nil
}

func (s *scriptedLLM) Invoke(ctx context.Context, messages []Message) (string, error) {
	return s.next(messages)
}

func (s *scriptedLLM) InvokeStructured(ctx context.Context, schema string, messages []Message) (string, error) {
	return s.next(messages)
}

func findSnapshot() *Snapshot {
	snap := newSnapshot()
	snap.DOMState = "=== Frame 0 (Main) ===\n[0-12] button: Add to cart\n[0-14] textbox: Email\n"
	snap.Elements["0-12"] = &AXNode{Role: "button", Name: "Add to cart", EncodedID: "0-12"}
	snap.Elements["0-14"] = &AXNode{Role: "textbox", Name: "Email", EncodedID: "0-14"}
	return snap
}

func TestFindElementCleanJSON(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"encodedId":"0-12","method":"click","arguments":[],"confidence":0.92}`,
	}}
	res, err := FindElement(context.Background(), llm, findSnapshot(), "add the item to the cart")
	require.NoError(t, err)
	assert.Equal(t, EncodedID("0-12"), res.EncodedID)
	assert.Equal(t, ActionClick, res.Method)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.Equal(t, 1, llm.calls)
}

func TestFindElementSalvagesFencedOutput(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"Sure, here is the element:\n```json\n{\"encodedId\":\"0-14\",\"method\":\"fill\",\"arguments\":[\"a@b.test\"]}\n```",
	}}
	res, err := FindElement(context.Background(), llm, findSnapshot(), "enter the email")
	require.NoError(t, err)
	assert.Equal(t, EncodedID("0-14"), res.EncodedID)
	assert.Equal(t, ActionFill, res.Method)
	assert.Equal(t, []string{"a@b.test"}, res.Arguments)
	assert.Equal(t, 1, llm.calls, "salvage must not spend a retry")
}

func TestFindElementRetriesWithFeedback(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"encodedId":"0-99","method":"click","arguments":[]}`,
		`{"encodedId":"0-12","method":"click","arguments":[]}`,
	}}
	res, err := FindElement(context.Background(), llm, findSnapshot(), "add the item")
	require.NoError(t, err)
	assert.Equal(t, EncodedID("0-12"), res.EncodedID)
	assert.Equal(t, 2, llm.calls)

	// The retry conversation carries the rejection.
	require.GreaterOrEqual(t, len(llm.lastMsgs), 4)
	assert.Contains(t, llm.lastMsgs[len(llm.lastMsgs)-1].Content, "invalid")
}

func TestFindElementGivesUpAfterRetries(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"no json here", "still no json", "nope",
	}}
	_, err := FindElement(context.Background(), llm, findSnapshot(), "do something")
	assert.ErrorIs(t, err, ErrNoStructuredOutput)
	assert.Equal(t, findElementRetries, llm.calls)
}

func TestFindElementRejectsMethodOutsideClosedSet(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"encodedId":"0-12","method":"navigate","arguments":["https://x.test"]}`,
		`{"encodedId":"0-12","method":"navigate","arguments":["https://x.test"]}`,
		`{"encodedId":"0-12","method":"navigate","arguments":["https://x.test"]}`,
	}}
	_, err := FindElement(context.Background(), llm, findSnapshot(), "go elsewhere")
	assert.ErrorIs(t, err, ErrNoStructuredOutput)
}

func TestFindElementNilModel(t *testing.T) {
	_, err := FindElement(context.Background(), nil, findSnapshot(), "anything")
	assert.Error(t, err)
}

func TestExtractReturnsProse(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"The cart holds one item: Add to cart."}}
	out, err := Extract(context.Background(), llm, findSnapshot(), "what can I buy?")
	require.NoError(t, err)
	assert.Equal(t, "The cart holds one item: Add to cart.", out)

	// The outline and question both reach the model.
	require.Len(t, llm.lastMsgs, 2)
	assert.Contains(t, llm.lastMsgs[1].Content, "[0-12] button: Add to cart")
	assert.Contains(t, llm.lastMsgs[1].Content, "what can I buy?")
}

func TestExtractNilModel(t *testing.T) {
	_, err := Extract(context.Background(), nil, findSnapshot(), "anything")
	assert.Error(t, err)
}

func TestParseFindElementArguments(t *testing.T) {
	res, err := parseFindElement(`The answer: {"encodedId":"0-14","method":"type","arguments":["hi","Enter"],"confidence":0.5} hope that helps`)
	require.NoError(t, err)
	assert.Equal(t, ActionType, res.Method)
	assert.Equal(t, []string{"hi", "Enter"}, res.Arguments)
}

func TestFindElementSchemaListsAllMethods(t *testing.T) {
	for _, m := range ActionMethods {
		assert.Contains(t, findElementSchema, `"`+string(m)+`"`)
	}
}
