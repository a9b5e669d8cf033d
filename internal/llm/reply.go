package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SQLReply is the model's answer to a question: either SQL to run or, when
// NeedsData is false, a conversational Answer.
type SQLReply struct {
	Thinking    string `json:"thinking,omitempty"`
	SQL         string `json:"sql,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	Answer      string `json:"answer,omitempty"`
	NeedsData   *bool  `json:"needs_data,omitempty"`
}

// WantsData reports whether the reply asks for a query. A missing
// needs_data field counts as true.
func (r SQLReply) WantsData() bool {
	return r.NeedsData == nil || *r.NeedsData
}

type Chart struct {
	Type     string   `json:"type"`
	Title    string   `json:"title,omitempty"`
	XLabel   string   `json:"x_label,omitempty"`
	YLabel   string   `json:"y_label,omitempty"`
	XColumn  string   `json:"x_column,omitempty"`
	YColumns []string `json:"y_columns,omitempty"`
	YLabels  []string `json:"y_labels,omitempty"`
}

type Synthesis struct {
	Answer      string `json:"answer"`
	Explanation string `json:"explanation,omitempty"`
	Chart       *Chart `json:"chart,omitempty"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ParseJSON decodes the first JSON object found in a model reply into v. It
// accepts a bare object, a fenced code block, or an object embedded in
// prose.
func ParseJSON(text string, v any) error {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), v) == nil {
		return nil
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if json.Unmarshal([]byte(strings.TrimSpace(m[1])), v) == nil {
			return nil
		}
	}

	depth, start := 0, -1
	for i, ch := range text {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if json.Unmarshal([]byte(text[start:i+1]), v) == nil {
					return nil
				}
				start = -1
			}
		}
	}
	return fmt.Errorf("could not parse JSON from model reply: %s", preview(text))
}
