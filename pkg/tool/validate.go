package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validator compiles each registered tool's parameter schema once and
// validates call arguments against it before dispatch.
type validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func newValidator() *validator {
	return &validator{schemas: make(map[string]*jsonschema.Schema)}
}

func (v *validator) compile(name string, schema map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", name, err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode schema for %s: %w", name, err)
	}

	url := "restflow://tool/" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	v.mu.Lock()
	v.schemas[name] = sch
	v.mu.Unlock()
	return nil
}

func (v *validator) validate(name string, args json.RawMessage) error {
	v.mu.RLock()
	sch, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no compiled schema for tool %s", name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return nil
}
