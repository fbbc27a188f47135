package ratelimit

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/zenamanage/writepath/internal/auth"
)

// Strategy names form a closed set validated at configuration-load time, so a
// typo'd name fails at startup instead of on the request path.
const (
	StrategySlidingWindow = "sliding_window"
	StrategyTokenBucket   = "token_bucket"
	StrategyFixedWindow   = "fixed_window"
)

// ClassConfig is the budget definition for one endpoint class.
type ClassConfig struct {
	Strategy          string  `json:"strategy" validate:"required,oneof=sliding_window token_bucket fixed_window"`
	RequestsPerMinute int     `json:"requests_per_minute" validate:"required,gt=0"`
	WindowSeconds     int     `json:"window_seconds" validate:"required,gt=0"`
	Burst             int     `json:"burst" validate:"gte=0"`
	Multiplier        float64 `json:"multiplier" validate:"gt=0"`
}

// Config holds the full limiter configuration.
type Config struct {
	Classes         map[string]ClassConfig `json:"classes" validate:"required,min=1,dive"`
	RoleMultipliers map[auth.Role]float64  `json:"role_multipliers"`
}

// DefaultConfig returns the per-class budgets the service ships with.
func DefaultConfig() Config {
	return Config{
		Classes: map[string]ClassConfig{
			"api": {
				Strategy:          StrategySlidingWindow,
				RequestsPerMinute: 100,
				WindowSeconds:     60,
				Multiplier:        1.0,
			},
			"auth": {
				Strategy:          StrategyFixedWindow,
				RequestsPerMinute: 20,
				WindowSeconds:     60,
				Multiplier:        1.0,
			},
			"upload": {
				Strategy:          StrategyTokenBucket,
				RequestsPerMinute: 30,
				WindowSeconds:     60,
				Burst:             10,
				Multiplier:        1.0,
			},
			"export": {
				Strategy:          StrategyTokenBucket,
				RequestsPerMinute: 10,
				WindowSeconds:     60,
				Burst:             3,
				Multiplier:        0.5,
			},
		},
		RoleMultipliers: map[auth.Role]float64{
			auth.RoleAnonymous: 0.5,
			auth.RoleMember:    1.0,
			auth.RoleManager:   1.5,
			auth.RoleAdmin:     2.0,
		},
	}
}

var validate = validator.New()

// Validate checks the whole config. Called once at load and again on every
// administrative update.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("rate limit config invalid: %w", err)
	}
	for role, mult := range c.RoleMultipliers {
		if mult <= 0 {
			return fmt.Errorf("rate limit config invalid: role %q multiplier must be positive", role)
		}
	}
	return nil
}

// Validate checks a single class config.
func (c ClassConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("class config invalid: %w", err)
	}
	return nil
}
