// Package editlock guards concurrent landscape edits through the shared
// edit_history_transient table. Acquisition marks free rows with a fresh
// lock id in a single UPDATE, so two concurrent acquisitions can never
// share a row; release either deletes the rows (success) or frees them
// again (failure).
package editlock

import (
	"fmt"
	"strings"

	"github.com/quadtile/drover/internal/geo"
)

// Selector names one object type to lock, optionally narrowed to subtypes.
// No subtypes means the whole type.
type Selector struct {
	Type     geo.ObjectType
	Subtypes []geo.Subtype
}

// ParseSelectors parses the compact scenario form
// "type:subtype,subtype;type". Whitespace around separators is ignored.
func ParseSelectors(s string) ([]Selector, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty lock selector")
	}

	var selectors []Selector
	for _, segment := range strings.Split(s, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return nil, fmt.Errorf("empty segment in lock selector %q", s)
		}

		typeName, subtypePart, hasSubtypes := strings.Cut(segment, ":")
		objType, err := geo.ParseObjectType(strings.TrimSpace(typeName))
		if err != nil {
			return nil, fmt.Errorf("lock selector %q: %w", s, err)
		}

		sel := Selector{Type: objType}
		if hasSubtypes {
			for _, subName := range strings.Split(subtypePart, ",") {
				subName = strings.TrimSpace(subName)
				if subName == "" {
					return nil, fmt.Errorf("empty subtype in lock selector %q", s)
				}
				sub, err := geo.ParseSubtype(objType, subName)
				if err != nil {
					return nil, fmt.Errorf("lock selector %q: %w", s, err)
				}
				sel.Subtypes = append(sel.Subtypes, sub)
			}
		}
		selectors = append(selectors, sel)
	}
	return selectors, nil
}

// String renders the selector back into the compact form.
func (s Selector) String() string {
	if len(s.Subtypes) == 0 {
		return s.Type.Verbose()
	}
	names := make([]string, len(s.Subtypes))
	for i, sub := range s.Subtypes {
		names[i] = sub.Verbose(s.Type)
	}
	return s.Type.Verbose() + ":" + strings.Join(names, ",")
}

// FormatSelectors renders a selector list into the compact form.
func FormatSelectors(selectors []Selector) string {
	parts := make([]string, len(selectors))
	for i, sel := range selectors {
		parts[i] = sel.String()
	}
	return strings.Join(parts, ";")
}
