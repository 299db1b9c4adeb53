package provider

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is the payload the provider attaches to a successful callback.
type Result struct {
	VideoURL string `json:"video_url"`
	Seed     *int64 `json:"seed,omitempty"`
}

// resultSchema describes the shape a successful callback must carry. A
// payload that fails it is treated the same as an ERROR callback: the job is
// failed and the charge refunded, because the provider will not re-deliver.
const resultSchemaJSON = `{
	"type": "object",
	"required": ["video_url"],
	"properties": {
		"video_url": {"type": "string", "minLength": 1},
		"seed": {"type": "integer"}
	}
}`

var resultSchema = jsonschema.MustCompileString("provider/result.json", resultSchemaJSON)

// ParseResult validates raw against the result schema and decodes it.
func ParseResult(raw json.RawMessage) (*Result, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("result payload is not JSON: %w", err)
	}
	if err := resultSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("result payload has unexpected shape: %v", err)
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
