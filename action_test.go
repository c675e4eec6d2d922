package framewalk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionMethodsClosedSet(t *testing.T) {
	assert.Len(t, ActionMethods, 12)
	for _, m := range ActionMethods {
		_, ok := actionArgRange[m]
		assert.True(t, ok, "method %s has no argument range", m)
	}
	assert.Len(t, actionArgRange, len(ActionMethods))
}

func TestValidateArgs(t *testing.T) {
	tests := []struct {
		name   string
		method ActionMethod
		args   []string
		ok     bool
	}{
		{"click bare", ActionClick, nil, true},
		{"click with arg", ActionClick, []string{"x"}, false},
		{"fill value", ActionFill, []string{"hello"}, true},
		{"fill empty string", ActionFill, []string{""}, true},
		{"fill missing arg", ActionFill, nil, false},
		{"type text", ActionType, []string{"hi"}, true},
		{"type then enter", ActionType, []string{"hi", "Enter"}, true},
		{"type bad second arg", ActionType, []string{"hi", "Tab"}, false},
		{"press enter", ActionPress, []string{"Enter"}, true},
		{"press alias", ActionPress, []string{"Esc"}, true},
		{"press unknown key", ActionPress, []string{"Hyper"}, false},
		{"select option", ActionSelectOption, []string{"Canada"}, true},
		{"check bare", ActionCheck, nil, true},
		{"hover bare", ActionHover, nil, true},
		{"scroll percentage", ActionScrollToPercentage, []string{"50"}, true},
		{"scroll percentage zero", ActionScrollToPercentage, []string{"0"}, true},
		{"scroll percentage over", ActionScrollToPercentage, []string{"120"}, false},
		{"scroll percentage junk", ActionScrollToPercentage, []string{"half"}, false},
		{"next chunk bare", ActionNextChunk, nil, true},
		{"unknown method", ActionMethod("navigate"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateArgs(tt.method, tt.args)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDispatcherParseMethod(t *testing.T) {
	d := newDispatcher(nil, nil, newDiscardLogger())

	m, err := d.parseMethod("click")
	require.NoError(t, err)
	assert.Equal(t, ActionClick, m)

	_, err = d.parseMethod("navigate")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestDispatcherRegisterAlias(t *testing.T) {
	d := newDispatcher(nil, nil, newDiscardLogger())

	require.NoError(t, d.registerAlias("tap", ActionClick))
	m, err := d.parseMethod("tap")
	require.NoError(t, err)
	assert.Equal(t, ActionClick, m)

	// Aliases map onto the closed set only.
	err = d.registerAlias("warp", ActionMethod("teleport"))
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestExecuteRejectsAtBoundary(t *testing.T) {
	d := newDispatcher(nil, nil, newDiscardLogger())
	snap := newSnapshot()

	res := d.Execute(context.Background(), snap, "not-an-id", ActionClick, nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "bad-request")

	res = d.Execute(context.Background(), snap, "0-5", ActionFill, nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "bad-request")

	res = d.Execute(context.Background(), snap, "0-5", ActionMethod("navigate"), nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "bad-request")

	// Boundary rejections never invalidate the snapshot.
	assert.False(t, snap.Dirty())
}
