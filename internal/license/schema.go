package license

import (
	_ "embed"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON string

const envelopeSchemaID = "inmemory://license-envelope"

var envelopeSchema = jsonschema.MustCompileString(envelopeSchemaID, envelopeSchemaJSON)

// validateEnvelope checks the decoded envelope structure before any field is typed.
func validateEnvelope(doc any) error {
	if err := envelopeSchema.Validate(doc); err != nil {
		return fmt.Errorf("envelope schema: %w", err)
	}
	return nil
}
