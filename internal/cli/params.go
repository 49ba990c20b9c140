package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
)

// errParamsNotObject is returned when params decode to something other than a map.
var errParamsNotObject = errors.New("params must be a JSON or YAML object")

// parseParams reads command params given on the command line. A JSON object
// is passed through untouched; anything that is not JSON is decoded as YAML,
// so shorthand such as `url: https://example.com` or `{expression: 1+1}`
// works too. Either way the params must be an object.
func parseParams(s string) (json.RawMessage, error) {
	if json.Valid([]byte(s)) {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("%w: %v", errParamsNotObject, err)
		}
		if _, ok := v.(map[string]any); !ok {
			return nil, errParamsNotObject
		}
		return json.RawMessage(s), nil
	}

	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", errParamsNotObject, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errParamsNotObject
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return data, nil
}
