package jsworker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/workerpool"
)

func testWorker() *Worker {
	return &Worker{id: "w-test", logger: zap.NewNop()}
}

func TestRunScriptReturnsOutput(t *testing.T) {
	w := testWorker()
	input, err := json.Marshal(map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)

	res := w.runScript(workerpool.ExecutePayload{
		RequestID: "r1",
		Content:   "return input.a + input.b;",
		Input:     input,
	})

	require.True(t, res.OK)
	var out float64
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, float64(5), out)
}

func TestRunScriptReportsExecutionError(t *testing.T) {
	w := testWorker()
	res := w.runScript(workerpool.ExecutePayload{
		RequestID: "r2",
		Content:   "throw new Error('boom');",
	})

	require.False(t, res.OK)
	assert.Equal(t, "ExecutionError", res.ErrKind)
}

func TestRunScriptEnforcesTimeout(t *testing.T) {
	w := testWorker()
	res := w.runScript(workerpool.ExecutePayload{
		RequestID: "r3",
		Content:   "while (true) {}",
		TimeoutMs: 50,
	})

	require.False(t, res.OK)
	assert.Equal(t, "TimedOut", res.ErrKind)
}
