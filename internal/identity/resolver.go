package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Fields are the payload fields a queue entry may carry an identity in.
// Wire payloads are inconsistent about which of these is populated, so
// resolution walks a fixed priority chain.
type Fields struct {
	ScriptUUID   string
	ScriptNumber string
	ScriptID     int64
	UUID         string
	ID           string
}

// Resolve derives the stable identifier for a queue entry. First
// non-empty match wins: scriptUUID, scriptNumber, composed script id,
// uuid, id. When everything is empty a random identifier is generated
// so the entry stays addressable.
func Resolve(f Fields) string {
	if s := strings.TrimSpace(f.ScriptUUID); s != "" {
		return s
	}
	if s := strings.TrimSpace(f.ScriptNumber); s != "" {
		return s
	}
	if f.ScriptID > 0 {
		return Composed(f.ScriptID)
	}
	if f.UUID != "" {
		return f.UUID
	}
	if f.ID != "" {
		return f.ID
	}
	return uuid.New().String()
}

// Composed builds the synthetic identifier used when only a numeric
// script id is known.
func Composed(scriptID int64) string {
	return fmt.Sprintf("script_%d", scriptID)
}

// MatchesScriptID reports whether a resolved identifier corresponds to
// the given script id. Used to match remove events that arrive without
// a full identifier set against composed ids already in the mirror.
func MatchesScriptID(resolvedID string, scriptID int64) bool {
	if scriptID <= 0 || resolvedID == "" {
		return false
	}
	token := Composed(scriptID)
	idx := strings.Index(resolvedID, token)
	if idx < 0 {
		return false
	}
	// Reject digit run-on so script_4 does not claim script_42.
	rest := resolvedID[idx+len(token):]
	return rest == "" || rest[0] < '0' || rest[0] > '9'
}
