// Package translate implements the two pure schema-translation functions
// spec.md §4.F names: peeling the CLI envelope's {"response": …} wrapper
// back out to the AiStudio-shaped payload the client expects. Both
// functions are stateless and side-effect free; translation failures are
// returned as errors so callers can apply the pass-through policy
// described in spec.md §4.E step 5.
package translate

import (
	"errors"

	"github.com/tidwall/gjson"
)

// ErrNoResponseField is returned when the CLI envelope does not carry a
// "response" field to peel.
var ErrNoResponseField = errors.New("translate: envelope missing \"response\" field")

// Unary peels a CLI-envelope unary response body, {"response": <payload>},
// and returns the inner payload's raw JSON bytes. The teacher's
// transformers package reshapes OpenAI<->Gemini field-by-field; this proxy
// only needs to unwrap one envelope layer, since the public AiStudio shape
// and the CLI response shape agree on everything but that wrapper.
func Unary(body []byte) ([]byte, error) {
	result := gjson.GetBytes(body, "response")
	if !result.Exists() {
		return nil, ErrNoResponseField
	}
	return []byte(result.Raw), nil
}

// SSEData peels one SSE event's data field the same way Unary does, for use
// by the streaming path in internal/httpapi. It operates on the data string
// of a single event as read from the stream, per spec.md §4.F.
func SSEData(data string) (string, error) {
	result := gjson.Get(data, "response")
	if !result.Exists() {
		return "", ErrNoResponseField
	}
	return result.Raw, nil
}
