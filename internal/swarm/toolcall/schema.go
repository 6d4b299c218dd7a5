package toolcall

import "github.com/santhosh-tekuri/jsonschema/v5"

// reviewPayloadSchema and securityPayloadSchema are the fixed shapes the
// reviewer and security nodes' JSON responses must satisfy before the
// aggregator is allowed to trust them. ExtractJSON only proves a response
// parses as JSON at all; a model can still return syntactically valid JSON
// missing a required field or carrying the wrong type for one, which these
// schemas catch.
const (
	reviewPayloadSchemaJSON = `{
		"type": "object",
		"required": ["status", "feedback"],
		"properties": {
			"status": {"type": "string", "enum": ["approve", "reject"]},
			"feedback": {"type": "string"}
		}
	}`

	securityPayloadSchemaJSON = `{
		"type": "object",
		"required": ["safe", "issues"],
		"properties": {
			"safe": {"type": "boolean"},
			"issues": {"type": "string"}
		}
	}`
)

var (
	reviewPayloadSchema   = mustCompileSchema("review_payload.schema.json", reviewPayloadSchemaJSON)
	securityPayloadSchema = mustCompileSchema("security_payload.schema.json", securityPayloadSchemaJSON)
)

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	compiled, err := jsonschema.CompileString(name, schemaJSON)
	if err != nil {
		panic("toolcall: invalid schema " + name + ": " + err.Error())
	}
	return compiled
}

// ValidateReviewPayload reports whether v — the decoded JSON value returned
// by ExtractJSON — satisfies the reviewer node's required shape.
func ValidateReviewPayload(v any) bool {
	return reviewPayloadSchema.Validate(v) == nil
}

// ValidateSecurityPayload reports whether v satisfies the security node's
// required shape.
func ValidateSecurityPayload(v any) bool {
	return securityPayloadSchema.Validate(v) == nil
}
