package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// VolatileKeys are object keys that differ between otherwise identical
// executions and are therefore excluded from hashes.
var VolatileKeys = map[string]struct{}{
	"ts":           {},
	"timestamp":    {},
	"message_id":   {},
	"started_at":   {},
	"completed_at": {},
	"created_at":   {},
	"updated_at":   {},
	"duration_ms":  {},
}

// Hash returns the hex SHA-256 of the canonical JSON form of v with
// VolatileKeys removed at every depth. Canonical means object keys are
// sorted and numbers keep their original text, so equal values hash equal
// regardless of map iteration order.
func Hash(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical JSON encoding used by Hash.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	out, err := json.Marshal(stripVolatile(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return out, nil
}

func stripVolatile(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, drop := VolatileKeys[k]; drop {
				delete(t, k)
				continue
			}
			t[k] = stripVolatile(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = stripVolatile(child)
		}
		return t
	default:
		return v
	}
}
