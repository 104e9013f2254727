// internal/config/validator.go
//
// Struct-level validation for the typed Config tree.  A single shared
// validator instance is cheap and safe for concurrent use.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// validateStruct runs `validate` tags across the whole tree and returns the
// first problem as a wrapped error the boot path can fail on.
func validateStruct(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	// Day-count sanity: the sweep thresholds are additive and must not be
	// negative.  Zero disables the corresponding stage.
	if cfg.Farm.InactiveDays < 0 || cfg.Farm.CloseDays < 0 || cfg.Farm.RemovedDays < 0 {
		return fmt.Errorf("config invalid: inactivity day counts must be >= 0")
	}
	if cfg.Farm.DeletionGraceDays < 0 {
		return fmt.Errorf("config invalid: deletion_grace_days must be >= 0")
	}
	return nil
}
