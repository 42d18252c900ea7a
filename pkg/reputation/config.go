package reputation

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Validate and New for inconsistent settings.
var ErrInvalidConfig = errors.New("reputation: invalid config")

// Config tunes scoring, decay and recovery.
type Config struct {
	InitialScore        float64       `json:"initial_score" yaml:"initial_score"`
	MaxScore            float64       `json:"max_score" yaml:"max_score"`
	MinScore            float64       `json:"min_score" yaml:"min_score"`
	DecayRate           float64       `json:"decay_rate" yaml:"decay_rate"`
	RecoveryRate        float64       `json:"recovery_rate" yaml:"recovery_rate"`
	PenaltyMultiplier   float64       `json:"penalty_multiplier" yaml:"penalty_multiplier"`
	RewardMultiplier    float64       `json:"reward_multiplier" yaml:"reward_multiplier"`
	ConfidenceDecayRate float64       `json:"confidence_decay_rate" yaml:"confidence_decay_rate"`
	MaxHistoryLength    int           `json:"max_history_length" yaml:"max_history_length"`
	UpdateFrequency     time.Duration `json:"update_frequency" yaml:"update_frequency"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		InitialScore:        0.5,
		MaxScore:            1.0,
		MinScore:            0.0,
		DecayRate:           0.01,
		RecoveryRate:        0.5,
		PenaltyMultiplier:   1.0,
		RewardMultiplier:    1.0,
		ConfidenceDecayRate: 0.005,
		MaxHistoryLength:    100,
		UpdateFrequency:     time.Minute,
	}
}

// Validate rejects bounds and rates that would break the score invariants.
func (c Config) Validate() error {
	switch {
	case c.MinScore >= c.MaxScore:
		return fmt.Errorf("%w: min_score %.3f must be below max_score %.3f", ErrInvalidConfig, c.MinScore, c.MaxScore)
	case c.InitialScore < c.MinScore || c.InitialScore > c.MaxScore:
		return fmt.Errorf("%w: initial_score %.3f outside [%.3f, %.3f]", ErrInvalidConfig, c.InitialScore, c.MinScore, c.MaxScore)
	case c.DecayRate < 0 || c.DecayRate > 1:
		return fmt.Errorf("%w: decay_rate must be in [0, 1]", ErrInvalidConfig)
	case c.ConfidenceDecayRate < 0 || c.ConfidenceDecayRate > 1:
		return fmt.Errorf("%w: confidence_decay_rate must be in [0, 1]", ErrInvalidConfig)
	case c.RecoveryRate < 0:
		return fmt.Errorf("%w: recovery_rate must not be negative", ErrInvalidConfig)
	case c.PenaltyMultiplier < 0 || c.RewardMultiplier < 0:
		return fmt.Errorf("%w: multipliers must not be negative", ErrInvalidConfig)
	case c.MaxHistoryLength <= 0:
		return fmt.Errorf("%w: max_history_length must be positive", ErrInvalidConfig)
	case c.UpdateFrequency < 0:
		return fmt.Errorf("%w: update_frequency must not be negative", ErrInvalidConfig)
	}
	return nil
}
