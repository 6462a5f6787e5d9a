// Package checkpoint persists the resumable part of a sync run: the scan
// cursor and the counters of the last completed batch.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

// Version of the on-disk record. Records of any other version are refused.
const Version = 1

// ErrMismatch is returned when a checkpoint belongs to another run setup.
var ErrMismatch = errors.New("checkpoint does not match run")

type record struct {
	Version   int             `json:"version"`
	RunID     string          `json:"run_id"`
	Source    string          `json:"source"`
	DB        int             `json:"db"`
	Pattern   string          `json:"pattern"`
	Cursor    string          `json:"cursor"`
	Batches   int64           `json:"batches"`
	Counters  schema.Counters `json:"counters"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// File stores one checkpoint at Path.
type File struct {
	Path string
}

// NewFile returns a checkpoint file at path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Save writes the cursor and counters of s atomically.
func (f *File) Save(s *schema.RunState) error {
	b, err := json.MarshalIndent(record{
		Version:   Version,
		RunID:     s.RunID,
		Source:    s.Source,
		DB:        s.DB,
		Pattern:   s.Pattern,
		Cursor:    string(s.Cursor),
		Batches:   s.Batches,
		Counters:  s.Counters,
		StartedAt: s.StartedAt,
		UpdatedAt: s.UpdatedAt,
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.Path, b)
}

// Load reads the checkpoint. It returns nil, nil when there is none.
func (f *File) Load() (*schema.RunState, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", f.Path, err)
	}
	if rec.Version != Version {
		return nil, fmt.Errorf("checkpoint %s has version %d, want %d", f.Path, rec.Version, Version)
	}
	return &schema.RunState{
		RunID:     rec.RunID,
		Source:    rec.Source,
		DB:        rec.DB,
		Pattern:   rec.Pattern,
		Cursor:    schema.Cursor(rec.Cursor),
		Batches:   rec.Batches,
		Counters:  rec.Counters,
		Status:    schema.Running,
		StartedAt: rec.StartedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// LoadFor loads the checkpoint and checks it was written for the same
// source, database and pattern.
func (f *File) LoadFor(source string, db int, pattern string) (*schema.RunState, error) {
	s, err := f.Load()
	if err != nil || s == nil {
		return s, err
	}
	if s.Source != source || s.DB != db || s.Pattern != pattern {
		return nil, fmt.Errorf("%w: %s holds %s db%d %q", ErrMismatch, f.Path, s.Source, s.DB, s.Pattern)
	}
	return s, nil
}

// Remove deletes the checkpoint. A missing file is not an error.
func (f *File) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
