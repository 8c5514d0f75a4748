package engines

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// #region codec

// Checkpoints are CBOR with Core Deterministic Encoding: the same
// engine state always serializes to identical bytes, which keeps
// checkpoint diffs and replay comparisons meaningful.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("engines: CBOR encoder initialization failed: " + err.Error())
	}
}

// #endregion codec

// #region store

// ErrNoCheckpoint is returned when an engine has no saved state.
var ErrNoCheckpoint = errors.New("engines: no checkpoint")

// CheckpointStore persists engine window state at window boundaries.
// A crash mid-window loses at most the open window, never history.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates the checkpoint directory if needed.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

// Save atomically writes an engine's state.
func (c *CheckpointStore) Save(name string, state any) error {
	raw, err := encMode.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", name, err)
	}
	path := c.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", name, err)
	}
	return nil
}

// Load reads an engine's saved state into the given target.
func (c *CheckpointStore) Load(name string, into any) error {
	raw, err := os.ReadFile(c.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoCheckpoint
	}
	if err != nil {
		return fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	if err := cbor.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("unmarshal checkpoint %s: %w", name, err)
	}
	return nil
}

func (c *CheckpointStore) path(name string) string {
	return filepath.Join(c.dir, name+".ckpt")
}

// #endregion store
