package history

import (
	"time"

	"codeberg.org/mutker/axectl/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/axectl/history.db"

	defaultBufferSize    = 64
	defaultFlushInterval = 30 * time.Second
)

type Config struct {
	Enabled       bool
	DBPath        string
	BufferSize    int
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:       false, // Disabled by default
		DBPath:        defaultDBPath,
		BufferSize:    defaultBufferSize,
		FlushInterval: defaultFlushInterval,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate storage settings if history is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BufferSize < 1 || c.FlushInterval <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "history buffer size and flush interval must be positive")
	}

	return nil
}
