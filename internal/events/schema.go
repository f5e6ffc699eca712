package events

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/engramdev/engram/pkg/models"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON string

var envelopeSchema = jsonschema.MustCompileString("envelope.schema.json", envelopeSchemaJSON)

// ValidateEnvelope checks an already-decoded envelope against the wire schema.
// The raw bytes are re-checked rather than the struct so that unknown provider
// values and missing required fields are rejected before parsing.
func ValidateEnvelope(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("events: envelope is not valid JSON: %w", err)
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return fmt.Errorf("events: envelope rejected: %w", err)
	}
	return nil
}

// ValidateSource rejects envelopes from unknown sources before they can
// interfere with priority arbitration.
func ValidateSource(src models.Source) error {
	switch src {
	case models.SourceStreamJSON, models.SourceHook, models.SourceFileWatcher:
		return nil
	default:
		return fmt.Errorf("events: unknown source %q", src)
	}
}
