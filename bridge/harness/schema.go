package harness

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled argument schema.
type Schema struct {
	raw      []byte
	compiled *gojsonschema.Schema
}

// CompileSchema parses and compiles a JSON schema document.
func CompileSchema(raw []byte) (*Schema, error) {
	if len(raw) == 0 {
		raw = []byte(`{"type":"object"}`)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}

// Raw returns the schema document as registered.
func (s *Schema) Raw() []byte { return s.raw }

// Validate checks payload against the schema. It returns nil or a *SchemaError holding
// every violation, never just the first one.
func (s *Schema) Validate(payload []byte) error {
	if !json.Valid(payload) {
		return &SchemaError{Violations: []ports.Violation{{
			Path:   "$",
			Rule:   "invalid_json",
			Detail: "arguments are not a valid JSON document",
		}}}
	}

	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &SchemaError{Violations: []ports.Violation{{Path: "$", Rule: "invalid_json", Detail: err.Error()}}}
	}
	if result.Valid() {
		return nil
	}

	violations := make([]ports.Violation, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		violations = append(violations, ports.Violation{
			Path:   violationPath(re),
			Rule:   re.Type(),
			Detail: re.Description(),
		})
	}
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Path != violations[j].Path {
			return violations[i].Path < violations[j].Path
		}
		return violations[i].Rule < violations[j].Rule
	})
	return &SchemaError{Violations: violations}
}

// ValidateArguments compiles schema and validates payload against it.
func ValidateArguments(schema, payload []byte) error {
	s, err := CompileSchema(schema)
	if err != nil {
		return err
	}
	return s.Validate(payload)
}

const rootContext = "(root)"

// violationPath renders a gojsonschema context as a $-rooted path. Errors about a single
// property (missing or not allowed) point at that property rather than its parent object.
func violationPath(re gojsonschema.ResultError) string {
	path := "$" + strings.TrimPrefix(re.Context().String(), rootContext)

	switch re.Type() {
	case "required", "additional_property_not_allowed":
		if prop, ok := re.Details()["property"].(string); ok && prop != "" {
			path += "." + prop
		}
	}
	return path
}

// CloseSchema returns a copy of raw in which every object schema that does not declare
// additionalProperties rejects unknown fields.
func CloseSchema(raw []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	closeNode(doc)
	return json.Marshal(doc)
}

func closeNode(node any) {
	switch n := node.(type) {
	case map[string]any:
		_, hasProps := n["properties"]
		if t, _ := n["type"].(string); t == "object" || hasProps {
			if _, set := n["additionalProperties"]; !set {
				n["additionalProperties"] = false
			}
		}
		for _, key := range []string{"properties", "$defs", "definitions", "patternProperties"} {
			if children, ok := n[key].(map[string]any); ok {
				for _, child := range children {
					closeNode(child)
				}
			}
		}
		for _, key := range []string{"items", "additionalProperties", "not"} {
			closeNode(n[key])
		}
		for _, key := range []string{"anyOf", "oneOf", "allOf"} {
			closeNode(n[key])
		}
	case []any:
		for _, child := range n {
			closeNode(child)
		}
	}
}
