package context

import (
	"fmt"
	"sort"
	"strings"

	"veil/internal/veil"
)

// =============================================================================
// Facet Serialization
// =============================================================================
// Serializes facets to the plain-text lines that make up block content.

// FacetSerializer handles serialization of facets into block text.
type FacetSerializer struct {
	// Options
	includeAttributes bool
	maxValueLength    int
	maxDigestItems    int
}

// NewFacetSerializer creates a new serializer with default options.
func NewFacetSerializer() *FacetSerializer {
	return &FacetSerializer{
		includeAttributes: true,
		maxValueLength:    50,
		maxDigestItems:    8,
	}
}

// WithAttributes enables/disables attribute rendering.
func (fs *FacetSerializer) WithAttributes(include bool) *FacetSerializer {
	fs.includeAttributes = include
	return fs
}

// Serialize renders a single facet.
//
//	[event] alice: hello {channel=general}
func (fs *FacetSerializer) Serialize(f veil.Facet) string {
	var sb strings.Builder
	switch f.Type {
	case veil.FacetTypeSpeech:
		sb.WriteString("[you said] ")
	case veil.FacetTypeAction:
		sb.WriteString("[you called] ")
	case "":
		sb.WriteString("[facet] ")
	default:
		sb.WriteString("[")
		sb.WriteString(f.Type)
		sb.WriteString("] ")
	}
	sb.WriteString(f.Content)

	if fs.includeAttributes && len(f.Attributes) > 0 {
		sb.WriteString(" {")
		sb.WriteString(fs.formatAttributes(f.Attributes))
		sb.WriteString("}")
	}
	return sb.String()
}

// Digest renders several facets as one summarized line.
//
//	[digest discord:general] 3 earlier items: a; b; c
func (fs *FacetSerializer) Digest(stream string, facets []veil.Facet) string {
	label := stream
	if label == "" {
		label = "all"
	}

	items := make([]string, 0, len(facets))
	for i, f := range facets {
		if i == fs.maxDigestItems {
			items = append(items, fmt.Sprintf("+%d more", len(facets)-i))
			break
		}
		items = append(items, fs.truncate(f.Content))
	}

	return fmt.Sprintf("[digest %s] %d earlier items: %s", label, len(facets), strings.Join(items, "; "))
}

// formatAttributes renders attributes sorted by key for deterministic output.
func (fs *FacetSerializer) formatAttributes(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fs.truncate(formatValue(attrs[k])))
	}
	return strings.Join(parts, ", ")
}

func (fs *FacetSerializer) truncate(s string) string {
	if fs.maxValueLength <= 3 || len([]rune(s)) <= fs.maxValueLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:fs.maxValueLength-3]) + "..."
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}
