package utility

import (
	"encoding/json"
)

// ParseJson decodes a raw frame into the top-level array form of the json
// protocol variant.
func ParseJson(b []byte) ([]interface{}, error) {
	var frame []interface{}
	err := json.Unmarshal(b, &frame)
	return frame, err
}
