package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom
// rules that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if len(cfg.Buckets) == 0 {
		return fmt.Errorf("buckets: at least one bucket must be configured")
	}

	names := make(map[string]bool)
	for i, bucket := range cfg.Buckets {
		if names[bucket.Name] {
			return fmt.Errorf("buckets[%d]: duplicate bucket name %q", i, bucket.Name)
		}
		names[bucket.Name] = true
	}

	if cfg.Server.SendQueueLimitNotReady > cfg.Server.SendQueueLimitReady {
		return fmt.Errorf("server: send_queue_limit_not_ready must not exceed send_queue_limit_ready")
	}

	return nil
}

func formatValidationError(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, fieldErr := range errs {
		return fmt.Errorf("config field %s failed %q validation", fieldErr.Namespace(), fieldErr.Tag())
	}
	return err
}
