package runtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			name, _, _ = strings.Cut(f.Tag.Get("yaml"), ",")
		}
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	registerCustomValidators()
}

// Prepare applies struct-tag defaults to v and validates it. It is used for
// step definitions and for configuration structs.
func Prepare(v any) error {
	if err := ApplyDefaults(v); err != nil {
		return err
	}
	return Validate(v)
}

func registerCustomValidators() {
	// hostname_port validates "host:port" with a numeric port
	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || host == "" || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})

	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && u.Scheme != "" && u.Host != ""
	})
}

func ApplyDefaults(v any) error {
	if v == nil {
		return fmt.Errorf("value cannot be nil")
	}
	if err := defaults.Set(v); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}
	return nil
}

// Validate checks v against its validate struct tags and flattens the
// failures into one readable error.
func Validate(v any) error {
	if v == nil {
		return fmt.Errorf("value cannot be nil")
	}

	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		msgs := make([]string, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed validation (rule: %s%s)",
				fieldPath(fieldErr.Namespace()), fieldErr.Tag(), param(fieldErr.Param())))
		}
		return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
	}
	return fmt.Errorf("validation failed: %w", err)
}

func RegisterCustomValidator(tag string, fn validator.Func) error {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("failed to register custom validator '%s': %w", tag, err)
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
