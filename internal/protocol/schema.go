package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// HelloSchema is the JSON schema for the first text frame of a connection.
const HelloSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "protocol_version", "name"],
  "properties": {
    "type": {"const": "HELLO"},
    "protocol_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+$"},
    "name": {"type": "string", "minLength": 1, "maxLength": 64},
    "max_queue": {"type": "integer", "minimum": 0, "maximum": 4096}
  },
  "additionalProperties": false
}`

var helloSchema = jsonschema.MustCompileString("hello.schema.json", HelloSchema)

// ParseHello validates raw against HelloSchema and decodes it. It does not
// check the protocol version.
func ParseHello(raw []byte) (HelloMsg, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return HelloMsg{}, fmt.Errorf("hello: %w", err)
	}
	if err := helloSchema.Validate(v); err != nil {
		return HelloMsg{}, fmt.Errorf("hello: %w", err)
	}
	var h HelloMsg
	if err := json.Unmarshal(raw, &h); err != nil {
		return HelloMsg{}, fmt.Errorf("hello: %w", err)
	}
	return h, nil
}
