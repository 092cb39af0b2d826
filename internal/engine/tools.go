package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool is one descriptor from the engine's tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations map[string]any  `json:"annotations,omitempty"`
	Meta        map[string]any  `json:"_meta,omitempty"`
}

// ProducesArtifact reports whether the descriptor marks the tool as writing
// a binary artifact to disk.
func (t Tool) ProducesArtifact() bool {
	return truthy(t.Meta["artifact"]) || truthy(t.Annotations["artifact"])
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.TrimSpace(x) != "" && !strings.EqualFold(x, "false")
	case float64:
		return x != 0
	case map[string]any:
		return len(x) > 0
	}
	return false
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

func decodeTools(raw json.RawMessage) ([]Tool, error) {
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tools/list: %w", err)
	}
	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		if t.Name == "" {
			continue
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func findTool(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
