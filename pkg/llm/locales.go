package llm

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed locales.yaml
var localesRaw []byte

// LocaleTable maps stage codes to human-facing labels per locale. Unknown
// locales and unknown stage codes fall back to English, then to the stage
// code itself.
type LocaleTable struct {
	labels        map[string]map[string]string
	defaultLocale string
}

// LoadLocales parses the embedded label table.
func LoadLocales(defaultLocale string) (*LocaleTable, error) {
	labels := map[string]map[string]string{}
	if err := yaml.Unmarshal(localesRaw, &labels); err != nil {
		return nil, fmt.Errorf("parse stage label table: %w", err)
	}
	if _, ok := labels["en"]; !ok {
		return nil, fmt.Errorf("stage label table missing the en locale")
	}
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	return &LocaleTable{labels: labels, defaultLocale: defaultLocale}, nil
}

// Label resolves the label for a stage code in the given locale.
func (t *LocaleTable) Label(locale, stageCode string) string {
	for _, loc := range []string{locale, t.defaultLocale, "en"} {
		if loc == "" {
			continue
		}
		if m, ok := t.labels[loc]; ok {
			if label, ok := m[stageCode]; ok {
				return label
			}
		}
	}
	return stageCode
}
