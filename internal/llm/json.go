package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a response holds no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// ParseJSONResponse decodes a JSON object from an LLM response into v,
// tolerating markdown code fences and prose around the object.
func ParseJSONResponse(text string, v any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrNoJSON
	}

	// Strip markdown code fences
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ErrNoJSON
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("parsing LLM response as JSON: %w", err)
	}
	return nil
}
