package inbox

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed item.schema.json
var itemSchemaJSON []byte

const itemSchemaURL = "inbox-item.schema.json"

var (
	itemSchemaOnce sync.Once
	itemSchemaVal  *jsonschema.Schema
	itemSchemaErr  error
)

func itemSchema() (*jsonschema.Schema, error) {
	itemSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(itemSchemaJSON))
		if err != nil {
			itemSchemaErr = fmt.Errorf("parse item schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat()
		if err := compiler.AddResource(itemSchemaURL, doc); err != nil {
			itemSchemaErr = fmt.Errorf("add item schema: %w", err)
			return
		}
		itemSchemaVal, itemSchemaErr = compiler.Compile(itemSchemaURL)
	})
	return itemSchemaVal, itemSchemaErr
}

func unmarshalInstance(data []byte) (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
