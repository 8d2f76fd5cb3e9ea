package tallybot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	stateBackendFile     = "file"
	stateBackendDatabase = "database"
	stateFileSuffix      = "_state.json"
)

var (
	ErrStateNotFound      = errors.New("state not found")
	ErrMalformedState     = errors.New("malformed state document")
	ErrInvalidTrackerName = errors.New("invalid tracker name")
)

// StateStore reads and writes whole MetricState documents, keyed by
// tracker name. Writes replace the previous document atomically.
type StateStore interface {
	LoadState(ctx context.Context, name string) (MetricState, error)
	SaveState(ctx context.Context, name string, state MetricState) error
}

// encodeState returns the canonical JSON encoding of state. Equal states
// always produce identical bytes.
func encodeState(state MetricState) ([]byte, error) {
	data, err := json.MarshalIndent(state.normalized(), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeState parses a state document
func decodeState(data []byte) (MetricState, error) {
	var state MetricState
	if err := json.Unmarshal(data, &state); err != nil {
		return MetricState{}, fmt.Errorf("%w: %w", ErrMalformedState, err)
	}
	for _, r := range state.HistoricalCounts {
		if r.Count < 0 {
			return MetricState{}, fmt.Errorf(
				"%w: negative count %d at %d",
				ErrMalformedState,
				r.Count,
				r.Timestamp,
			)
		}
	}
	return state.normalized(), nil
}

func validateTrackerName(name string) error {
	if name == "" ||
		name != filepath.Base(name) ||
		strings.ContainsAny(name, `/\`) ||
		name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidTrackerName, name)
	}
	return nil
}

// fileStateStore keeps one JSON document per tracker in a directory
type fileStateStore struct {
	dir string
}

func newFileStateStore(dir string) *fileStateStore {
	return &fileStateStore{dir: dir}
}

func (f *fileStateStore) path(name string) string {
	return filepath.Join(f.dir, name+stateFileSuffix)
}

func (f *fileStateStore) LoadState(_ context.Context, name string) (
	MetricState,
	error,
) {
	if err := validateTrackerName(name); err != nil {
		return MetricState{}, err
	}
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return MetricState{}, ErrStateNotFound
		}
		return MetricState{}, err
	}
	return decodeState(data)
}

// SaveState writes the document to a temp file in the same directory,
// then renames it over the previous document.
func (f *fileStateStore) SaveState(
	ctx context.Context,
	name string,
	state MetricState,
) error {
	if err := validateTrackerName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, name+"_state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	err = os.Rename(tmpName, f.path(name))
	return err
}

// dbStateStore keeps state documents in the MetricStateRecord table
type dbStateStore struct {
	db *database
}

func newDBStateStore(db *database) *dbStateStore {
	return &dbStateStore{db: db}
}

func (d *dbStateStore) LoadState(ctx context.Context, name string) (
	MetricState,
	error,
) {
	record, err := d.db.MetricState(ctx, name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MetricState{}, ErrStateNotFound
		}
		return MetricState{}, err
	}
	return decodeState([]byte(record.Document))
}

func (d *dbStateStore) SaveState(
	ctx context.Context,
	name string,
	state MetricState,
) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	return d.db.UpsertMetricState(ctx, name, data)
}

// ImportState validates a legacy state document and stores it under name,
// replacing any existing document.
func ImportState(
	ctx context.Context,
	db *gorm.DB,
	name string,
	document []byte,
) (MetricState, error) {
	if err := validateTrackerName(name); err != nil {
		return MetricState{}, err
	}
	state, err := decodeState(document)
	if err != nil {
		return MetricState{}, err
	}
	store := newDBStateStore(newDatabase(db, nil, false))
	if err = store.SaveState(ctx, name, state); err != nil {
		return MetricState{}, fmt.Errorf("error saving state: %w", err)
	}
	return state, nil
}
