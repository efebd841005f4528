package llm

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	selectionSchema *gojsonschema.Schema
	narrativeSchema *gojsonschema.Schema
)

func init() {
	selectionSchema = mustCompile("schemas/story_selection_v1.json")
	narrativeSchema = mustCompile("schemas/story_narrative_v1.json")
}

func mustCompile(path string) *gojsonschema.Schema {
	raw, err := schemaFS.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", path, err))
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", path, err))
	}
	return s
}

// Selection is the validated selector reply.
type Selection struct {
	ChoiceID    *string `json:"choice_id"`
	UseFallback bool    `json:"use_fallback"`
	Confidence  float64 `json:"confidence"`
	IntentID    *string `json:"intent_id"`
	Notes       *string `json:"notes"`
}

// Narrative is the validated narrator reply.
type Narrative struct {
	NarrativeText string `json:"narrative_text"`
}

// ExtractJSON strips markdown code fences and returns the first balanced
// JSON object found in the reply. Models occasionally wrap strict-JSON
// output in prose or fences; anything beyond that is a parse failure.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in reply")
}

// DecodeSelection extracts, parses and schema-validates a selector reply.
func DecodeSelection(raw string) (*Selection, error) {
	doc, err := validate(raw, selectionSchema)
	if err != nil {
		return nil, err
	}
	var sel Selection
	if err := json.Unmarshal([]byte(doc), &sel); err != nil {
		return nil, &ParseError{Kind: KindJSONParse, Raw: RedactRaw(raw), Err: err}
	}
	return &sel, nil
}

// DecodeNarrative extracts, parses and schema-validates a narrator reply.
func DecodeNarrative(raw string) (*Narrative, error) {
	doc, err := validate(raw, narrativeSchema)
	if err != nil {
		return nil, err
	}
	var n Narrative
	if err := json.Unmarshal([]byte(doc), &n); err != nil {
		return nil, &ParseError{Kind: KindJSONParse, Raw: RedactRaw(raw), Err: err}
	}
	return &n, nil
}

func validate(raw string, schema *gojsonschema.Schema) (string, error) {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return "", &ParseError{Kind: KindJSONParse, Raw: RedactRaw(raw), Err: err}
	}
	if !json.Valid([]byte(doc)) {
		return "", &ParseError{Kind: KindJSONParse, Raw: RedactRaw(raw),
			Err: fmt.Errorf("reply is not valid JSON")}
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader([]byte(doc)))
	if err != nil {
		return "", &ParseError{Kind: KindJSONParse, Raw: RedactRaw(raw), Err: err}
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return "", &ParseError{Kind: KindSchemaValidate, Raw: RedactRaw(raw),
			Err: fmt.Errorf("schema violations: %s", strings.Join(msgs, "; "))}
	}
	return doc, nil
}
