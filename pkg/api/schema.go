package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const signalRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "signal": {
      "type": "string",
      "enum": ["pause", "resume", "check", "terminate"]
    }
  },
  "required": ["signal"],
  "additionalProperties": false
}`

var signalSchema = mustSchema(signalRequestSchema)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in schema: %v", err))
	}
	return schema
}

// validateSignalRequest checks a raw request body against the signal schema.
func validateSignalRequest(body []byte) error {
	result, err := signalSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
