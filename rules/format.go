package rules

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholderPattern = regexp.MustCompile(`\$\(.*?\)`)

// formatErrorMessages fills ErrorMessage templates into ExceptionMessage for
// every failed node without an exception message, descending into children
func formatErrorMessages(results []*RuleResultTree) {
	for _, r := range results {
		r.Walk(formatErrorMessage)
	}
}

func formatErrorMessage(r *RuleResultTree) {
	if r.IsSuccess || r.Rule == nil || r.Rule.ErrorMessage == "" || strings.TrimSpace(r.ExceptionMessage) != "" {
		return
	}
	r.ExceptionMessage = placeholderPattern.ReplaceAllStringFunc(r.Rule.ErrorMessage, func(placeholder string) string {
		if value, ok := resolvePlaceholder(placeholder[2:len(placeholder)-1], r.Inputs); ok {
			return value
		}
		return placeholder
	})
}

// resolvePlaceholder resolves "name" to the JSON encoding of the input and
// "name.Property" to the raw JSON of that property. Deeper paths such as
// "name.Address.City" follow gjson path syntax.
func resolvePlaceholder(ref string, inputs map[string]any) (string, bool) {
	name, property, nested := strings.Cut(ref, ".")
	value, ok := inputs[name]
	if !ok || value == nil {
		return "", false
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	if !nested {
		return string(data), true
	}

	result := gjson.GetBytes(data, property)
	if !result.Exists() {
		return "", false
	}
	return result.Raw, true
}
