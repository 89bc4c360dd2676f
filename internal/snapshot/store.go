// Package snapshot persists the controller's resumable state in a
// single-slot JSON file. Writes go through a temp file and rename so a
// crash mid-write never leaves a torn snapshot behind.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/axectl/internal/errors"
)

const defaultDirPerm = 0o755

// PIDState mirrors one control loop's persistent terms.
type PIDState struct {
	Integral float64 `json:"integral"`
	LastErr  float64 `json:"last_error"`
}

// Record is the full resumable controller state. Exactly one record exists
// at a time; every save replaces the previous one.
type Record struct {
	Mode         string    `json:"mode"`
	VoltageMV    int       `json:"voltage"`
	FrequencyMHz int       `json:"frequency"`
	PIDFreq      PIDState  `json:"pid_freq_state"`
	PIDVolt      PIDState  `json:"pid_volt_state"`
	Stagnation   int       `json:"stagnation_counter"`
	SavedAt      time.Time `json:"saved_at"`
}

// Store reads and writes the snapshot file.
type Store struct {
	path string
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New().New(ErrInvalidPath)
	}

	return &Store{path: path}, nil
}

// Load returns the stored record, or nil when no snapshot exists yet. A
// file that exists but does not parse is reported as corrupt; the caller
// decides whether to start fresh.
func (s *Store) Load() (*Record, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errFactory.Wrap(ErrReadFailed, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errFactory.Wrap(ErrCorrupt, err)
	}

	return &rec, nil
}

// Save replaces the snapshot atomically: the record is written to a temp
// file in the same directory, synced, and renamed over the slot.
func (s *Store) Save(rec *Record) error {
	errFactory := errors.New()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	if err := writeAndSync(tmp, data); err != nil {
		os.Remove(tmp.Name())

		return errFactory.Wrap(ErrWriteFailed, err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())

		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()

		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}
