// Package json is the codec used for websocket frames, REST bodies and the
// Redis relay. It wraps json-iterator in its stdlib-compatible mode.
package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage is a raw encoded JSON value; payloads stay undecoded until the
// handler for their event type runs.
type RawMessage = stdjson.RawMessage

var (
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	Marshal    = JSON.Marshal
	Unmarshal  = JSON.Unmarshal
	NewDecoder = JSON.NewDecoder
	NewEncoder = JSON.NewEncoder
)

// IsEmpty reports whether a raw payload carries no value.
func IsEmpty(raw RawMessage) bool {
	s := string(raw)
	return len(s) == 0 || s == "null" || s == "{}"
}
