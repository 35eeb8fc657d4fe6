package envelope

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://agentwire.local/schemas/"

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[MessageType]*jsonschema.Schema
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		schemaErr = err
		return
	}
	for _, e := range entries {
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			schemaErr = err
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			schemaErr = fmt.Errorf("parse schema %s: %w", e.Name(), err)
			return
		}
		if err := c.AddResource(schemaBase+e.Name(), doc); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", e.Name(), err)
			return
		}
	}

	schemas = make(map[MessageType]*jsonschema.Schema, len(Types))
	for _, t := range Types {
		sch, err := c.Compile(schemaBase + string(t) + ".json")
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", t, err)
			return
		}
		schemas[t] = sch
	}
}

// validatePayload checks raw against the JSON Schema registered for t.
func validatePayload(t MessageType, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	sch, ok := schemas[t]
	if !ok {
		return fmt.Errorf("no schema for %s", t)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(doc)
}
