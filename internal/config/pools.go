package config

import (
	"os"

	"codeberg.org/mutker/axectl/internal/errors"
	"gopkg.in/yaml.v3"
)

// PoolCandidate is one upstream pool endpoint from the pools file.
type PoolCandidate struct {
	URL  string `yaml:"url"`
	Role string `yaml:"role"`
}

// LoadPools reads the candidate list. The file is a top-level YAML sequence
// of {url, role} entries, ordered by operator preference; that order is the
// final ranking tie-break.
func LoadPools(path string) ([]PoolCandidate, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	var pools []PoolCandidate
	if err := yaml.Unmarshal(data, &pools); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if len(pools) == 0 {
		return nil, errFactory.WithMessage(errors.ErrMissingConfig, "no pool candidates defined")
	}

	for i := range pools {
		if pools[i].URL == "" {
			return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "pool candidate without url")
		}
	}

	return pools, nil
}
