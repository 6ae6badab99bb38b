package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() func(Config) error {
	v := validator.New()
	v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})

	return func(cfg Config) error {
		err := v.Struct(cfg)
		if err == nil {
			return nil
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s=%v fails %q", fieldKey(fe.Namespace()), fe.Value(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
}

// fieldKey maps a validator namespace such as "Config.Webhook.URL" back to
// the config key name.
func fieldKey(ns string) string {
	for _, s := range specs {
		if s.field == strings.TrimPrefix(ns, "Config.") {
			return s.key
		}
	}
	return ns
}
