package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/spendguard/spendguard/pkg/api/httperr"
)

// advancedUpdateSchemaJSON constrains the advanced policy update payload
// before it reaches the service layer. Address-shaped fields are checked
// here for shape only; full parsing happens in the handler.
const advancedUpdateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["daily_budget", "cooldown_seconds"],
  "properties": {
    "daily_budget": {"type": "integer", "minimum": 0},
    "cooldown_seconds": {"type": "integer", "minimum": 0, "maximum": 4294967295},
    "agent": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
    "paused": {"type": "boolean"},
    "allowlist_enabled": {"type": "boolean"},
    "allowed_recipient": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
    "per_recipient_daily_cap": {"type": "integer", "minimum": 0}
  }
}`

var advancedUpdateSchema = mustCompileSchema(
	"https://spendguard.dev/schemas/policy-advanced-update.schema.json",
	advancedUpdateSchemaJSON,
)

func mustCompileSchema(url, source string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(url)
}

// decodeValidated reads the request body, validates it against the
// schema, and returns the raw bytes for struct decoding.
func decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httperr.WriteBadRequest(w, "unable to read request body")
		return nil, false
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		httperr.WriteBadRequest(w, "malformed request body")
		return nil, false
	}
	if err := schema.Validate(doc); err != nil {
		httperr.WriteUnprocessable(w, err.Error())
		return nil, false
	}
	return raw, true
}
