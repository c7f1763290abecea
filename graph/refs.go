package graph

import (
	"regexp"
	"strings"
)

// Parameter values may reference upstream step outputs with template
// placeholders: "{{step_name.field}}" names a producing step explicitly,
// "{{field}}" asks the builder to locate a producer among upstream steps.
var refPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+)(?:\.([A-Za-z0-9_\-]+))?\s*\}\}`)

// TemplateRef is one parsed placeholder occurrence.
type TemplateRef struct {
	Raw   string // the full "{{...}}" text
	First string // step name, or field name when Field is empty
	Field string // output field, empty for bare "{{field}}" form
}

// ParseTemplateRefs extracts all placeholder references from a string.
func ParseTemplateRefs(s string) []TemplateRef {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	refs := make([]TemplateRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, TemplateRef{Raw: m[0], First: m[1], Field: m[2]})
	}
	return refs
}

// IsPureRef reports whether the string consists of exactly one placeholder
// and nothing else. Pure references become typed bindings; mixed strings stay
// literal templates.
func IsPureRef(s string) bool {
	loc := refPattern.FindStringIndex(strings.TrimSpace(s))
	if loc == nil {
		return false
	}
	trimmed := strings.TrimSpace(s)
	return loc[0] == 0 && loc[1] == len(trimmed)
}
