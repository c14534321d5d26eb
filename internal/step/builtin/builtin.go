// Package builtin provides the step types available to every stepq worker.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/stepq/internal/step"
)

// Register adds the builtin step types to reg.
func Register(reg *step.Registry) error {
	for typ, c := range map[string]step.Constructor{
		"set":       newSet,
		"append":    newAppend,
		"sleep":     newSleep,
		"fail":      newFail,
		"interrupt": newInterrupt,
		"exec":      newExec,
	} {
		if err := reg.Register(typ, c); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding only the builtin types.
func NewRegistry() *step.Registry {
	reg := step.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}

func decode(params json.RawMessage, v any) error {
	if step.IsNull(params) {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

type setStep struct{ values json.RawMessage }

func newSet(params json.RawMessage) (step.Step, error) {
	var m map[string]json.RawMessage
	if err := decode(params, &m); err != nil {
		return nil, err
	}
	return setStep{values: params}, nil
}

func (s setStep) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	return step.Merge(data, s.values)
}

type interruptStep struct{ setStep }

func newInterrupt(params json.RawMessage) (step.Step, error) {
	s, err := newSet(params)
	if err != nil {
		return nil, err
	}
	return interruptStep{s.(setStep)}, nil
}

func (interruptStep) Interrupts() bool { return true }

type appendStep struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func newAppend(params json.RawMessage) (step.Step, error) {
	var s appendStep
	if err := decode(params, &s); err != nil {
		return nil, err
	}
	if s.Key == "" {
		return nil, errors.New("append: key is required")
	}
	return s, nil
}

func (s appendStep) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if !step.IsNull(data) {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, step.ErrNotObject
		}
	}
	var list []json.RawMessage
	if cur, ok := obj[s.Key]; ok && !step.IsNull(cur) {
		if err := json.Unmarshal(cur, &list); err != nil {
			return nil, fmt.Errorf("%q is not an array", s.Key)
		}
	}
	v := s.Value
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	obj[s.Key], _ = json.Marshal(append(list, v))
	return json.Marshal(obj)
}

type sleepStep struct{ d time.Duration }

func newSleep(params json.RawMessage) (step.Step, error) {
	var p struct {
		Duration string `json:"duration"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	return sleepStep{d: d}, nil
}

func (s sleepStep) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	t := time.NewTimer(s.d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return data, nil
	}
}

type failStep struct{ msg string }

func newFail(params json.RawMessage) (step.Step, error) {
	var p struct {
		Message string `json:"message"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		p.Message = "failed"
	}
	return failStep{msg: p.Message}, nil
}

func (s failStep) Execute(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New(s.msg)
}
