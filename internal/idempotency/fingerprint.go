package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Fingerprint identifies a logically equivalent action invocation.
// Semantically identical argument maps collide: keys are sorted and strings trimmed.
// A non-empty salt yields a distinct fingerprint for the same call.
func Fingerprint(sessionID, name string, args map[string]any, salt string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(Canonicalize(args))
	if salt != "" {
		h.Write([]byte{0})
		h.Write([]byte(salt))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Canonicalize renders args as canonical JSON.
func Canonicalize(args map[string]any) []byte {
	if args == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(trim(args))
	if err != nil {
		return []byte("{}")
	}
	return b
}

func trim(v any) any {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[strings.TrimSpace(k)] = trim(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = trim(val)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i, s := range x {
			out[i] = strings.TrimSpace(s)
		}
		return out
	}
	return v
}
