// Package events normalizes provider-specific event payloads into the common
// delta stream consumed by the turn aggregator.
//
// Each provider has one state-free decoder; selection is by the provider
// field on the envelope. Decoders are pure functions: the same payload always
// yields the same deltas, and payloads with no observable delta yield none.
package events

import (
	"fmt"

	"github.com/engramdev/engram/pkg/models"
)

// Parse decodes an envelope's payload into zero or more normalized deltas,
// in content-block order. An unknown provider is a contract error.
func Parse(env *models.Envelope) ([]models.Delta, error) {
	switch env.Provider {
	case models.ProviderClaudeCode:
		return parseClaudeCode(env.Payload)
	case models.ProviderGemini:
		return parseGemini(env.Payload)
	case models.ProviderGeneric:
		return parseHook(env.Payload)
	default:
		return nil, fmt.Errorf("events: unknown provider %q", env.Provider)
	}
}

// truncate clips s to max bytes on a rune boundary for preview fields.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	b := []byte(s)[:max]
	// Back up over a split UTF-8 sequence.
	for len(b) > 0 && b[len(b)-1]&0xC0 == 0x80 {
		b = b[:len(b)-1]
	}
	return string(b)
}
