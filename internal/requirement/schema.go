package requirement

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// schemaV1 describes the "1.0.0" document: product IDs are decimal object
// keys and quantities are positive integers.
const schemaV1 = `{
	"type": "object",
	"required": ["version", "required_products"],
	"properties": {
		"version": {"type": "string", "enum": ["1.0.0"]},
		"required_products": {
			"type": "object",
			"patternProperties": {
				"^[0-9]+$": {"type": "integer", "minimum": 1}
			},
			"additionalProperties": false
		}
	}
}`

var schemaV1Loader = gojsonschema.NewStringLoader(schemaV1)

func validateV1(document []byte) error {
	result, err := gojsonschema.Validate(schemaV1Loader, gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("schema validation: %v: %w", err, ErrMalformedConfiguration)
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return fmt.Errorf("document does not conform to version %s: %s: %w", CurrentVersion, sb.String(), ErrMalformedConfiguration)
	}
	return nil
}
