package toolrouter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnstile/pkg/protocol"
)

func echoTool() Tool {
	return Tool{
		Spec: protocol.ToolSpec{
			Name:   "echo",
			Schema: []byte(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		},
		ReadOnly: true,
		Fn: func(ctx context.Context, args json.RawMessage, ec ExecutionContext) (string, error) {
			var parsed struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &parsed); err != nil {
				return "", err
			}
			return parsed.Message, nil
		},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(echoTool()))

	out, err := r.Execute(context.Background(), protocol.ToolCall{
		Name:      "echo",
		Arguments: []byte(`{"message":"hello"}`),
	}, ExecutionContext{SessionID: "s1", TurnID: "t1"})

	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExecuteUnregisteredTool(t *testing.T) {
	r := New(nil)

	_, err := r.Execute(context.Background(), protocol.ToolCall{Name: "ghost"}, ExecutionContext{})
	require.Error(t, err)
	var vErr *protocol.ViolationError
	assert.ErrorAs(t, err, &vErr)
}

func TestExecuteSchemaInvalid(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(echoTool()))

	_, err := r.Execute(context.Background(), protocol.ToolCall{
		Name:      "echo",
		Arguments: []byte(`{"message":99}`),
	}, ExecutionContext{})
	require.Error(t, err)
	var vErr *protocol.ViolationError
	assert.ErrorAs(t, err, &vErr)
}

func TestExecutePolicyDeny(t *testing.T) {
	r := New(nil, WithPolicy(&Policy{Allow: []string{"*"}, Deny: []string{"echo"}}))
	require.NoError(t, r.Register(echoTool()))

	_, err := r.Execute(context.Background(), protocol.ToolCall{
		Name:      "echo",
		Arguments: []byte(`{"message":"hi"}`),
	}, ExecutionContext{})

	var pErr *PolicyError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "echo", pErr.Tool)
}

func TestExecuteApprovalGate(t *testing.T) {
	denied := false
	r := New(nil, WithApproval(func(call protocol.ToolCall, ec ExecutionContext) bool {
		denied = true
		return false
	}))
	require.NoError(t, r.Register(echoTool()))

	_, err := r.Execute(context.Background(), protocol.ToolCall{
		Name:      "echo",
		Arguments: []byte(`{"message":"hi"}`),
	}, ExecutionContext{})

	var pErr *PolicyError
	require.ErrorAs(t, err, &pErr)
	assert.True(t, denied)
}

func TestExecuteTimeout(t *testing.T) {
	r := New(nil, WithTimeout(50*time.Millisecond))
	require.NoError(t, r.Register(Tool{
		Spec: protocol.ToolSpec{Name: "slow", Schema: []byte(`{"type":"object"}`)},
		Fn: func(ctx context.Context, args json.RawMessage, ec ExecutionContext) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	}))

	start := time.Now()
	_, err := r.Execute(context.Background(), protocol.ToolCall{Name: "slow", Arguments: []byte(`{}`)}, ExecutionContext{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil)

	assert.Error(t, r.Register(Tool{}))
	assert.Error(t, r.Register(Tool{Spec: protocol.ToolSpec{Name: "noop"}}))

	require.NoError(t, r.Register(echoTool()))
	assert.Error(t, r.Register(echoTool()))
}

func TestToolErrorWrapped(t *testing.T) {
	r := New(nil)
	boom := errors.New("disk full")
	require.NoError(t, r.Register(Tool{
		Spec: protocol.ToolSpec{Name: "fail", Schema: []byte(`{"type":"object"}`)},
		Fn: func(ctx context.Context, args json.RawMessage, ec ExecutionContext) (string, error) {
			return "", boom
		},
	}))

	_, err := r.Execute(context.Background(), protocol.ToolCall{Name: "fail", Arguments: []byte(`{}`)}, ExecutionContext{})
	assert.ErrorIs(t, err, boom)
}

func TestIsReadOnly(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(echoTool()))

	assert.True(t, r.IsReadOnly("echo"))
	assert.False(t, r.IsReadOnly("unknown"))
}

func TestPolicyAllows(t *testing.T) {
	assert.True(t, (*Policy)(nil).Allows("anything"))
	assert.True(t, (&Policy{Allow: []string{"*"}}).Allows("echo"))
	assert.False(t, (&Policy{Allow: []string{"other"}}).Allows("echo"))
	assert.False(t, (&Policy{Allow: []string{"*"}, Deny: []string{"*"}}).Allows("echo"))
}
