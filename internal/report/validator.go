package report

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CZERTAINLY/jsexec/internal/coverage"
	jss "github.com/kaptinlin/jsonschema"
)

//go:embed schemas/coverage.schema.json
var schemaFS embed.FS

const schemaPath = "schemas/coverage.schema.json"

// Validator validates an Istanbul coverage map against the schema
type Validator struct {
	schema *jss.Schema
}

func NewValidator() (Validator, error) {
	var zero Validator
	b, err := schemaFS.ReadFile(schemaPath)
	if err != nil {
		return zero, fmt.Errorf("reading embedded schema: %w", err)
	}
	compiler := jss.NewCompiler()
	schema, err := compiler.Compile(b)
	if err != nil {
		return zero, fmt.Errorf("compiling schema: %w", err)
	}
	return Validator{schema: schema}, nil
}

func (v Validator) Validate(ctx context.Context, m coverage.Map) error {
	if m == nil {
		m = coverage.Map{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding coverage to JSON: %w", err)
	}
	return v.ValidateBytes(ctx, b)
}

func (v Validator) ValidateBytes(_ context.Context, b []byte) error {
	res := v.schema.Validate(b)
	if !res.Valid {
		var errorMsgs []string
		for _, err := range res.Errors {
			errorMsgs = append(errorMsgs, fmt.Sprintf("%s: %s", err.Keyword, err.Error()))
		}
		return fmt.Errorf("coverage validation failed:\n%s", strings.Join(errorMsgs, "\n"))
	}
	return nil
}
