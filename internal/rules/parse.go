// internal/rules/parse.go
package rules

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/solatis/waypoint/internal/types"
)

// ParseRule decodes a rule tree from JSON or YAML and validates it.
// YAML is normalized through JSON so rule values keep their raw form.
func ParseRule(data []byte) (types.Rule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return types.Rule{}, fmt.Errorf("parse rule: %w", err)
	}
	if doc == nil {
		return types.Rule{}, fmt.Errorf("parse rule: empty document")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return types.Rule{}, fmt.Errorf("parse rule: %w", err)
	}

	var rule types.Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return types.Rule{}, fmt.Errorf("parse rule: %w", err)
	}
	if err := Validate(rule); err != nil {
		return types.Rule{}, err
	}
	return rule, nil
}
