// Package envconf populates config structs from environment variables
// declared with `env:"..."` struct tags.
package envconf

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// Secret is a string value that is redacted when printed.
type Secret string

const secretMask = "*****"

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretMask
}

// EnvGetter ...
type EnvGetter interface {
	Get(key string) string
}

type osEnvGetter struct{}

func (osEnvGetter) Get(key string) string { return os.Getenv(key) }

// InputParser ...
type InputParser interface {
	Parse(input interface{}) error
}

type defaultInputParser struct {
	envGetter EnvGetter
}

// NewInputParser ...
func NewInputParser(envGetter EnvGetter) InputParser {
	return defaultInputParser{
		envGetter: envGetter,
	}
}

// Parse ...
func (p defaultInputParser) Parse(input interface{}) error {
	return parse(input, p.envGetter)
}

// Parse populates the input struct from the process environment.
// The input must be a pointer to a struct. Fields are declared as:
//
//	Field string `env:"key"`
//	Field string `env:"key,required"`
//	Field string `env:"key,opt[a,b,c]"`
//	Field int64  `env:"key,bytesize"` // accepts values like "8MB"
func Parse(input interface{}) error {
	return parse(input, osEnvGetter{})
}

func parse(input interface{}, envGetter EnvGetter) error {
	v := reflect.ValueOf(input)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("expected a pointer to a struct, got %T", input)
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("expected a pointer to a struct, got %T", input)
	}

	var errs []error
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(v.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		messages := make([]string, 0, len(errs))
		for _, err := range errs {
			messages = append(messages, "- "+err.Error())
		}
		return fmt.Errorf("invalid inputs:\n%s", strings.Join(messages, "\n"))
	}

	return nil
}

func parseTag(tag string) (key, constraint string) {
	if idx := strings.Index(tag, ","); idx != -1 {
		return tag[:idx], tag[idx+1:]
	}
	return tag, ""
}

func setField(field reflect.Value, value, constraint string) error {
	switch {
	case constraint == "":
	case constraint == "required":
		if value == "" {
			return fmt.Errorf("required variable is not present")
		}
	case constraint == "bytesize":
		// handled below at conversion
	case strings.HasPrefix(constraint, "opt[") && strings.HasSuffix(constraint, "]"):
		if !contains(value, constraint) {
			return fmt.Errorf("value is not in value options (%s)", constraint)
		}
	default:
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}

	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		// value is not empty, initialize the pointer and set the pointed value
		ptr := reflect.New(field.Type().Elem())
		field.Set(ptr)
		field = ptr.Elem()
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("can't convert to bool: %s", value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		var n int64
		var err error
		if constraint == "bytesize" {
			n, err = units.RAMInBytes(value)
		} else {
			n, err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			return fmt.Errorf("can't convert to int: %s", value)
		}
		field.SetInt(n)
	case reflect.Slice:
		field.Set(reflect.ValueOf(splitList(value)))
	default:
		return fmt.Errorf("type is not supported: %s", field.Kind())
	}

	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

// splitList splits a pipe-separated env value into items, dropping empty ones.
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, "|") {
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

func contains(value, constraint string) bool {
	options := strings.Split(strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]"), ",")
	for _, option := range options {
		if option == value {
			return true
		}
	}
	return false
}
