package step

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Spec is the declarative description of a step: the registered type name
// and the parameters handed to its constructor.
type Spec struct {
	Type   string          `json:"type" mapstructure:"type"`
	Params json.RawMessage `json:"params,omitempty" mapstructure:"params"`
}

// Entry is one named step of a List.
type Entry struct {
	Name string
	Spec Spec
}

// List is an ordered mapping of step name to Spec. It is encoded as a JSON
// object whose key order is the execution order.
type List []Entry

// Names returns the step names in order.
func (l List) Names() []string {
	out := make([]string, 0, len(l))
	for _, e := range l {
		out = append(out, e.Name)
	}
	return out
}

// Index returns the position of name, or -1.
func (l List) Index(name string) int {
	for i, e := range l {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// After returns the steps strictly following name. When name is not part of
// the list the result is empty.
func (l List) After(name string) List {
	i := l.Index(name)
	if i < 0 || i+1 >= len(l) {
		return List{}
	}
	out := make(List, len(l)-i-1)
	copy(out, l[i+1:])
	return out
}

func (l List) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Spec)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (l *List) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*l = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("steps must be a JSON object")
	}
	out := List{}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		if name == "" {
			return errors.New("step name must be a non-empty string")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate step %q", name)
		}
		seen[name] = struct{}{}
		var s Spec
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("step %q: %w", name, err)
		}
		out = append(out, Entry{Name: name, Spec: s})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = out
	return nil
}
