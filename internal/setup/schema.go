package setup

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requiredField compiles a schema for an object carrying a non-empty field.
// Identifiers may be strings or integers.
func requiredField(field string, allowInteger bool) *jsonschema.Schema {
	typ := `"string"`
	if allowInteger {
		typ = `["string", "integer"]`
	}
	src := fmt.Sprintf(`{
		"type": "object",
		"required": [%q],
		"properties": {
			%q: {"type": %s, "minLength": 1}
		}
	}`, field, field, typ)
	return jsonschema.MustCompileString(field+".schema.json", src)
}

var (
	tokenSchema       = requiredField("token", false)
	accessTokenSchema = requiredField("access_token", false)
	idSchema          = requiredField("id", true)
)

// validateShape checks body against schema.
func validateShape(schema *jsonschema.Schema, body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
