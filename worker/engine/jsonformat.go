package engine

import "encoding/json"

// canonicalizeJSON parses raw as an arbitrary JSON value and
// re-serializes it, rejecting malformed input outright.
func canonicalizeJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
