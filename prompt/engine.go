// Package prompt renders batch templates against source records.
//
// Templates reference record fields with double-brace placeholders, for
// example {{Diagnosis_Description}}. The engine extracts the referenced
// field names, validates them against a dataset's available fields, and
// substitutes record values at execution time.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/andbeder/ClinicalGenius/errors"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ExtractVariables returns the distinct field names referenced by the
// template, in order of first appearance. Surrounding whitespace inside the
// braces is ignored, so {{ Name }} and {{Name}} reference the same field.
func ExtractVariables(template string) []string {
	seen := make(map[string]struct{})
	var fields []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		name := strings.TrimSpace(match[1])
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		fields = append(fields, name)
	}
	return fields
}

// Validate checks that every field the template references exists in the
// dataset. The returned error lists all unknown fields at once so the user
// can fix the template in a single pass.
func Validate(template string, available []string) error {
	known := make(map[string]struct{}, len(available))
	for _, f := range available {
		known[f] = struct{}{}
	}

	var missing []string
	for _, f := range ExtractVariables(template) {
		if _, ok := known[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return errors.Newf("template references unknown fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Build substitutes record values into the template. A field the record
// does not carry (or carries as nil) renders as a visible marker rather
// than an empty string, so the model sees that the value was absent instead
// of silently receiving truncated context.
func Build(template string, record map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		value, ok := record[name]
		if !ok || value == nil {
			return fmt.Sprintf("[%s: not provided]", name)
		}
		return renderValue(value)
	})
}

// QueryFields computes the minimal field set to request from the record
// source: the template's fields that actually exist in the dataset, plus
// the record identifier field. Requesting only what the template needs
// keeps query payloads small on wide datasets.
func QueryFields(template string, available []string, recordIDField string) []string {
	known := make(map[string]struct{}, len(available))
	for _, f := range available {
		known[f] = struct{}{}
	}

	fieldSet := make(map[string]struct{})
	for _, f := range ExtractVariables(template) {
		if _, ok := known[f]; ok {
			fieldSet[f] = struct{}{}
		}
	}
	if recordIDField != "" {
		fieldSet[recordIDField] = struct{}{}
	}

	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// WithSchema appends response-schema instructions to a rendered prompt.
// An empty schema returns the prompt unchanged.
func WithSchema(rendered, schema string) string {
	if strings.TrimSpace(schema) == "" {
		return rendered
	}
	return rendered +
		"\n\nPlease respond ONLY with valid JSON matching this exact schema:\n" +
		schema +
		"\n\nDo not include any explanatory text, only the JSON object."
}

func renderValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing ".0" that fmt's default float formatting would add.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
