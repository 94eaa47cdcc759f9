package keystore

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// parseSecretMap decodes a JSON object of string->string, rejecting
// any non-UTF-8 value explicitly.
func parseSecretMap(plain []byte) (map[string]string, error) {
	var raw map[string]string
	if err := json.Unmarshal(plain, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return nil, fmt.Errorf("non-UTF-8 secret entry for key %q", k)
		}
		out[k] = v
	}
	return out, nil
}
