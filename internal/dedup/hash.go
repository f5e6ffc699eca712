package dedup

import (
	"fmt"
	"hash/fnv"
)

// contentPreviewLimit bounds how much natural-language content participates in
// the hash. Two payloads differing only past this point describe the same
// logical event, so the tail must not perturb the key.
const contentPreviewLimit = 500

// ContentHash derives the dedup key component for an event: FNV-1a over the
// event type, the truncated content, the tool name (if any), and the session.
func ContentHash(eventType, content, toolName, sessionID string) string {
	h := fnv.New64a()
	h.Write([]byte(eventType))
	h.Write([]byte{0x1f})
	h.Write([]byte(truncateRunes(content, contentPreviewLimit)))
	h.Write([]byte{0x1f})
	h.Write([]byte(toolName))
	h.Write([]byte{0x1f})
	h.Write([]byte(sessionID))
	return fmt.Sprintf("%016x", h.Sum64())
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
