package delivery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/store"
)

func TestRenderPathRejectsTraversal(t *testing.T) {
	_, err := renderPath("/tmp/ratchet-out", "../../etc/{execution_id}", model.ExecutionEnvelope{ExecutionID: "e1"})
	assert.Error(t, err)
}

func TestRenderPathSubstitutesVariables(t *testing.T) {
	path, err := renderPath("/tmp/ratchet-out", "{task_name}/{execution_id}.json", model.ExecutionEnvelope{
		ExecutionID: "e1",
		Task:        model.TaskRef{UUID: "t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/ratchet-out", "t1", "e1.json"), path)
}

func TestFilesystemSenderWritesEnvelope(t *testing.T) {
	dir := t.TempDir()
	sender := NewFilesystemSender()

	dest := store.Destination{Root: dir, PathTemplate: "{execution_id}.json"}
	envelope := model.ExecutionEnvelope{ExecutionID: "e2", Status: model.ExecutionSucceeded}

	err := sender.Send(context.Background(), dest, envelope)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "e2.json"))
	require.NoError(t, err)

	var got model.ExecutionEnvelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "e2", got.ExecutionID)
}
