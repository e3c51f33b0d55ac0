package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/store"
)

// FilesystemSender writes the ExecutionEnvelope to a path rendered from the
// destination's path template, atomically via temp-file + rename — the same
// pattern the teacher's connection manager uses for agent-state.json.
type FilesystemSender struct{}

func NewFilesystemSender() *FilesystemSender { return &FilesystemSender{} }

func (s *FilesystemSender) Kind() model.DestinationKind { return model.DestinationFilesystem }

func (s *FilesystemSender) Send(ctx context.Context, dest store.Destination, envelope model.ExecutionEnvelope) error {
	path, err := renderPath(dest.Root, dest.PathTemplate, envelope)
	if err != nil {
		return model.NewCoreError(model.ErrKindValidation, err.Error())
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return model.NewCoreError(model.ErrKindValidation, err.Error())
	}

	if err := writeAtomic(path, data); err != nil {
		return model.NewCoreError(model.ErrKindStorageError, err.Error())
	}
	return nil
}

// renderPath substitutes {date,task_name,execution_id,year,month,day}
// template variables ({task_name} renders the task's UUID, as the envelope
// carries no task name) and rejects any result that escapes root, per spec.md
// §4.5's path-traversal invariant.
func renderPath(root, tmpl string, envelope model.ExecutionEnvelope) (string, error) {
	now := time.Now().UTC()
	replacer := strings.NewReplacer(
		"{execution_id}", envelope.ExecutionID,
		"{task_name}", envelope.Task.UUID,
		"{date}", now.Format("2006-01-02"),
		"{year}", strconv.Itoa(now.Year()),
		"{month}", fmt.Sprintf("%02d", now.Month()),
		"{day}", fmt.Sprintf("%02d", now.Day()),
	)
	rendered := replacer.Replace(tmpl)

	full := filepath.Join(root, rendered)
	cleanRoot := filepath.Clean(root)
	cleanFull := filepath.Clean(full)
	if cleanFull != cleanRoot && !strings.HasPrefix(cleanFull, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("rendered path %q escapes destination root %q", rendered, root)
	}
	return cleanFull, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".delivery-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	ok = true
	return nil
}
