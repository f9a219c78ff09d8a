// Package config implements the ambient YAML-plus-env-override
// configuration layer shared by every service entrypoint: a typed struct
// per service, loaded from a YAML file and then overridden field-by-field
// from SONIA_<SERVICE>_<FIELD> environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path into target (a pointer to a config
// struct), then applies any SONIA_<service>_<FIELD> environment overrides
// matching target's top-level fields. A missing file is not an error: the
// struct's zero value (or whatever defaults the caller set before calling
// Load) is used as-is, since every field can still arrive via environment
// variables alone. A malformed file, or an override that cannot be parsed
// into its field's type, is always a fatal error — configuration problems
// are surfaced at startup, never at request time.
func Load(path, service string, target any) error {
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, target); err != nil {
				return fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to environment-only configuration
		default:
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(target, service); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	return nil
}

// applyEnvOverrides walks target's exported top-level fields and, for each
// one, checks SONIA_<SERVICE>_<FIELD_NAME> (upper-cased, struct field name
// as written) and assigns it if set.
func applyEnvOverrides(target any, service string) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config target must be a pointer to a struct")
	}
	elem := v.Elem()
	t := elem.Type()
	prefix := "SONIA_" + strings.ToUpper(service) + "_"

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		envKey := prefix + strings.ToUpper(field.Name)
		raw, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}
		if err := setField(elem.Field(i), raw); err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
	}
	return nil
}

func setField(f reflect.Value, raw string) error {
	if f.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
		return nil
	}

	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(n)
	default:
		return fmt.Errorf("unsupported config field type %s", f.Kind())
	}
	return nil
}
