package toolconv

import (
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/cos/internal/agent"
)

// ToGeminiTools converts specs into one function-declaration tool.
func ToGeminiTools(specs []agent.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  ToGeminiSchema(schemaMap(s.Schema)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// ToGeminiSchema converts a JSON Schema tree to the Gemini subset.
// Unsupported keywords are dropped.
func ToGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	switch t := m["type"].(type) {
	case string:
		s.Type = genai.Type(strings.ToUpper(t))
	case []any:
		// ["string","null"] style unions: take the first non-null type.
		for _, v := range t {
			if name, ok := v.(string); ok && name != "null" {
				s.Type = genai.Type(strings.ToUpper(name))
				break
			}
		}
	}
	if s.Type == "" {
		if _, ok := m["properties"]; ok {
			s.Type = genai.TypeObject
		}
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = ToGeminiSchema(pm)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if v, ok := r.(string); ok {
				s.Required = append(s.Required, v)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = ToGeminiSchema(items)
	}
	return s
}
