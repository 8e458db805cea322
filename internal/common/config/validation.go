package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

// Validator is implemented by configuration types with constraints that struct tags cannot express.
type Validator interface {
	Validate() error
}

// Validate checks the struct tags of config and then, if config implements Validator, its own rules.
func Validate(config interface{}) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}
	if v, ok := config.(Validator); ok {
		return v.Validate()
	}
	return nil
}

func LogValidationErrors(err error) {
	if err == nil {
		return
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		log.Errorf("ConfigError: %v", err)
		return
	}
	for _, err := range validationErrors {
		fieldName := stripPrefix(err.Namespace())
		tag := err.Tag()
		switch tag {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, err.Value(), tag)
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
