package gateway

import "encoding/json"

// unmarshalPayload decodes a JSON payload into dest, returning nil for an
// empty payload rather than erroring on json.Unmarshal's empty-input case.
func unmarshalPayload(payload []byte, dest any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, dest)
}
