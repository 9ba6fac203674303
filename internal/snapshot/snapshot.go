package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"billbook/internal/apperror"
	"billbook/internal/model"
)

// FileName is the snapshot document inside a backup directory.
const FileName = "snapshot.json"

// Encode writes snap as an indented JSON document. Nil collections are written as [].
func Encode(w io.Writer, snap model.Snapshot) error {
	if snap.Products == nil {
		snap.Products = []model.Product{}
	}
	if snap.History == nil {
		snap.History = []model.Invoice{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// Decode reads a snapshot document. Both "products" and "history" must be
// present and be arrays; anything else is an ImportFormat error.
func Decode(r io.Reader) (model.Snapshot, error) {
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return model.Snapshot{}, apperror.NewImportFormatError("not a JSON object", err)
	}
	var snap model.Snapshot
	if err := decodeArray(doc, "products", &snap.Products); err != nil {
		return model.Snapshot{}, err
	}
	if err := decodeArray(doc, "history", &snap.History); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

func decodeArray[T any](doc map[string]json.RawMessage, field string, dst *[]T) error {
	raw, ok := doc[field]
	if !ok {
		return apperror.NewImportFormatError(fmt.Sprintf("missing %q", field), nil)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return apperror.NewImportFormatError(fmt.Sprintf("%q must be an array", field), nil)
	}
	out := []T{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return apperror.NewImportFormatError(fmt.Sprintf("bad %q", field), err)
	}
	*dst = out
	return nil
}

type Snapshotter interface {
	WriteSnapshot(snapshotID string, snap model.Snapshot) error
	ReadSnapshot(snapshotID string) (model.Snapshot, error)
}

// FilesystemSnapshotter keeps one directory per backup under baseDir.
type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) Path(snapshotID string) string {
	return filepath.Join(f.baseDir, snapshotID, FileName)
}

// WriteSnapshot writes through a temp file and rename so a reader never sees half a document.
func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, snap model.Snapshot) error {
	dir := filepath.Join(f.baseDir, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := Encode(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path(snapshotID)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemSnapshotter) ReadSnapshot(snapshotID string) (model.Snapshot, error) {
	file, err := os.Open(f.Path(snapshotID))
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("open: %w", err)
	}
	defer file.Close()
	return Decode(file)
}
