package resolver

import (
	"fmt"
	"time"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

// Config holds resolver tuning.
type Config struct {
	// Workers bounds parallel scoring within a group.
	Workers int `yaml:"workers"`

	// GroupSize is the number of records scored between cancellation checks.
	GroupSize int `yaml:"group_size"`

	// MaxCandidates limits how many name matches receive signal lookups.
	MaxCandidates int `yaml:"max_candidates"`

	// NameThreshold is the minimum name similarity for a candidate.
	NameThreshold float64 `yaml:"name_threshold"`

	// SignalTimeout bounds the statistics lookups made for one record.
	SignalTimeout time.Duration `yaml:"signal_timeout"`
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		GroupSize:     100,
		MaxCandidates: 5,
		NameThreshold: 0.3,
		SignalTimeout: 2 * time.Second,
	}
}

// Validate fills zero values with defaults and rejects negative ones.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.Workers < 0 || c.GroupSize < 0 || c.MaxCandidates < 0 || c.SignalTimeout < 0 {
		return fmt.Errorf("resolver config has negative values: %w", cierrors.ErrValidation)
	}
	if c.NameThreshold < 0 || c.NameThreshold > 1 {
		return fmt.Errorf("name threshold %v outside [0,1]: %w", c.NameThreshold, cierrors.ErrValidation)
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.GroupSize == 0 {
		c.GroupSize = d.GroupSize
	}
	if c.MaxCandidates == 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.NameThreshold == 0 {
		c.NameThreshold = d.NameThreshold
	}
	if c.SignalTimeout == 0 {
		c.SignalTimeout = d.SignalTimeout
	}
	return nil
}
