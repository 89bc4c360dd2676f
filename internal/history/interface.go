package history

import (
	"context"
	"time"
)

// Recorder defines the core domain interface
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	Close() error
}

// Repository defines the interface for history data storage
type Repository interface {
	Record(entry *Entry) error
	Close() error
}

// Entry is one completed tuning cycle as persisted for later analysis.
type Entry struct {
	RunID        string
	At           time.Time
	TempC        float64
	PowerW       float64
	HashrateGHS  float64
	VoltageMV    int
	FrequencyMHz int
	Mode         string
	Reason       string
}
