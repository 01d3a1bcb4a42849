package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashPayload produces the canonical request hash stored by the duplicate
// guard: sha256 over the JSON encoding, hex encoded. Two requests are "the
// same request" iff their hashes match.
func HashPayload(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
