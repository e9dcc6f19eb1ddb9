package graph

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// Checkpointer persists per-run state snapshots so callers can inspect a
// run after the fact. One file per step under
// <dir>/checkpoints/<runID>/NNNNNN.ckpt; the first 32 bytes are the
// blake3 digest of the msgpack payload that follows.
type Checkpointer struct {
	dir   string
	runID string

	mu  sync.Mutex
	seq int
}

const ckptDigestLen = 32

// NewCheckpointer creates the run's checkpoint directory.
func NewCheckpointer(storageDir, runID string) (*Checkpointer, error) {
	if strings.TrimSpace(storageDir) == "" || strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("checkpointer: storage dir and run id are required")
	}
	dir := filepath.Join(storageDir, "checkpoints", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpointer: %w", err)
	}
	return &Checkpointer{dir: dir, runID: runID}, nil
}

// Write appends one snapshot.
func (c *Checkpointer) Write(st State) error {
	payload, err := msgpack.Marshal(map[string]any(st))
	if err != nil {
		return fmt.Errorf("checkpoint encode: %w", err)
	}
	sum := blake3.Sum256(payload)

	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()

	path := filepath.Join(c.dir, fmt.Sprintf("%06d.ckpt", seq))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(sum[:], payload...), 0o644); err != nil {
		return fmt.Errorf("checkpoint write: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoints reads a run's snapshots in order, skipping files whose
// digest does not match (truncated or corrupted writes).
func LoadCheckpoints(storageDir, runID string) ([]map[string]any, error) {
	dir := filepath.Join(storageDir, "checkpoints", runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoints: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ckpt") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []map[string]any
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || len(b) < ckptDigestLen {
			continue
		}
		digest, payload := b[:ckptDigestLen], b[ckptDigestLen:]
		sum := blake3.Sum256(payload)
		if hex.EncodeToString(sum[:]) != hex.EncodeToString(digest) {
			continue
		}
		var snap map[string]any
		if err := msgpack.Unmarshal(payload, &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// LatestCheckpoint returns the newest intact snapshot of a run, or nil.
func LatestCheckpoint(storageDir, runID string) (map[string]any, error) {
	snaps, err := LoadCheckpoints(storageDir, runID)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return snaps[len(snaps)-1], nil
}

// ListRuns returns the run ids with checkpoints under storageDir, oldest
// first (ULIDs sort chronologically).
func ListRuns(storageDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(storageDir, "checkpoints"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
