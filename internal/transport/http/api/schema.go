package api

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const signalSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["symbol", "side", "size_percent"],
  "additionalProperties": false,
  "properties": {
    "symbol": {"type": "string", "pattern": "^[A-Za-z0-9]{2,20}(/[A-Za-z0-9]{2,10}(:[A-Za-z0-9]{2,10})?)?$"},
    "side": {"type": "string", "enum": ["LONG", "SHORT", "long", "short"]},
    "size_percent": {
      "oneOf": [
        {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
        {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
      ]
    },
    "source": {"type": "string", "maxLength": 64}
  }
}`

func compileSignalSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signal.json", strings.NewReader(signalSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("signal.json")
}
