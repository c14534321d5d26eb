package step

import (
	"bytes"
	"encoding/json"
	"errors"
)

var ErrNotObject = errors.New("data is not a JSON object")

// IsNull reports whether b is empty or the JSON literal null.
func IsNull(b json.RawMessage) bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Merge merges the keys of extra into base. Keys from extra win. A null on
// either side yields the other side unchanged.
func Merge(base, extra json.RawMessage) (json.RawMessage, error) {
	if IsNull(extra) {
		return normalize(base), nil
	}
	if IsNull(base) {
		return extra, nil
	}
	var b, e map[string]json.RawMessage
	if err := json.Unmarshal(base, &b); err != nil {
		return nil, ErrNotObject
	}
	if err := json.Unmarshal(extra, &e); err != nil {
		return nil, ErrNotObject
	}
	if b == nil {
		b = make(map[string]json.RawMessage, len(e))
	}
	for k, v := range e {
		b[k] = v
	}
	return json.Marshal(b)
}
