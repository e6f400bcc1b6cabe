package wire

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/reply.schema.json
var replySchemaJSON []byte

//go:embed schemas/command.schema.json
var commandSchemaJSON []byte

var (
	replySchema   = mustCompile("reply.schema.json", replySchemaJSON)
	commandSchema = mustCompile("command.schema.json", commandSchemaJSON)
)

func mustCompile(name string, doc []byte) *jsonschema.Schema {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		panic(fmt.Sprintf("wire: parse %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, parsed); err != nil {
		panic(fmt.Sprintf("wire: add %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("wire: compile %s: %v", name, err))
	}
	return schema
}

func validate(schema *jsonschema.Schema, data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("validate message: %w", err)
	}
	return nil
}
