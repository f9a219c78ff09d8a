package executor

import (
	"fmt"
	"regexp"
	"strconv"
)

// ValidateParams checks args against spec's parameter schema: required
// presence, type coercion, enum membership, numeric min/max, and regex match.
// Missing optional parameters are filled from their configured default
// in-place.
func ValidateParams(spec ToolSpec, args map[string]any) []string {
	var errs []string
	for _, p := range spec.Params {
		val, present := args[p.Name]
		if !present {
			if p.Required {
				errs = append(errs, fmt.Sprintf("missing required parameter %q", p.Name))
				continue
			}
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		if err := validateOne(p, val); err != "" {
			errs = append(errs, fmt.Sprintf("parameter %q: %s", p.Name, err))
		}
	}
	return errs
}

func validateOne(p ParamSpec, val any) string {
	switch p.Type {
	case ParamString:
		s, ok := val.(string)
		if !ok {
			return "expected string"
		}
		if p.Regex != "" {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return fmt.Sprintf("invalid regex constraint: %v", err)
			}
			if !re.MatchString(s) {
				return fmt.Sprintf("does not match pattern %q", p.Regex)
			}
		}
	case ParamInt, ParamFloat:
		f, ok := asFloat(val)
		if !ok {
			return "expected numeric value"
		}
		if p.Min != nil && f < *p.Min {
			return fmt.Sprintf("value %v below minimum %v", f, *p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return fmt.Sprintf("value %v above maximum %v", f, *p.Max)
		}
	case ParamBool:
		if _, ok := val.(bool); !ok {
			return "expected bool"
		}
	case ParamEnum:
		s, ok := val.(string)
		if !ok {
			return "expected string for enum"
		}
		for _, e := range p.Enum {
			if e == s {
				return ""
			}
		}
		return fmt.Sprintf("value %q not in enum %v", s, p.Enum)
	}
	return ""
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
