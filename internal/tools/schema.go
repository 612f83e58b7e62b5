package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaFor reflects the JSON Schema of an argument struct. Fields without
// omitempty are required; descriptions come from jsonschema tags.
func SchemaFor[T any]() json.RawMessage {
	r := &invopop.Reflector{DoNotReference: true, Anonymous: true}
	var zero T
	s := r.Reflect(&zero)
	s.Version = ""
	s.ID = ""
	payload, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Decode unmarshals tool arguments into T.
func Decode[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("invalid parameters: %w", err)
	}
	return v, nil
}

// Validator checks arguments against tool schemas, caching compiled
// schemas by their text.
type Validator struct {
	cache sync.Map
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator { return &Validator{} }

type compiled struct {
	schema *jsonschema.Schema
	err    error
}

// Validate checks args against schema. Schemas that fail to compile are
// not enforced; remote servers routinely publish loose dialects.
func (v *Validator) Validate(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	key := string(schema)
	entry, ok := v.cache.Load(key)
	if !ok {
		s, err := jsonschema.CompileString("tool.schema.json", key)
		entry, _ = v.cache.LoadOrStore(key, compiled{schema: s, err: err})
	}
	c := entry.(compiled)
	if c.err != nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := c.schema.Validate(decoded); err != nil {
		return flattenValidation(err)
	}
	return nil
}

func flattenValidation(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
