package memory

import (
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/*.json
var schemaFiles embed.FS

var schemaResource = map[Subtype]string{
	SubtypeFact:           "schema/fact.json",
	SubtypePreference:     "schema/preference.json",
	SubtypeProject:        "schema/project.json",
	SubtypeSessionContext: "schema/session_context.json",
	SubtypeSystemState:    "schema/system_state.json",
}

// Validator validates typed memory content against its subtype JSON schema
// plus the temporal invariant that valid_until > valid_from when both are set.
type Validator struct {
	compiled map[Subtype]*jsonschema.Schema
}

// NewValidator compiles all embedded subtype schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[Subtype]*jsonschema.Schema, len(schemaResource))
	for subtype, path := range schemaResource {
		raw, err := schemaFiles.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", path, err)
		}
		if err := compiler.AddResource(path, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", path, err)
		}
		sch, err := compiler.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", path, err)
		}
		compiled[subtype] = sch
	}
	return &Validator{compiled: compiled}, nil
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks subtype existence, schema conformance, and temporal bounds.
func (v *Validator) Validate(subtype Subtype, content map[string]any, validFrom, validUntil *time.Time) ValidationResult {
	sch, ok := v.compiled[subtype]
	if !ok {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("unknown subtype: %s", subtype)}}
	}

	if err := sch.Validate(content); err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("schema validation failed: %v", err)}}
	}

	var errs []string
	if validFrom != nil && validUntil != nil {
		if !validUntil.After(*validFrom) {
			errs = append(errs, "valid_until must be strictly after valid_from")
		}
	}
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}
