package jobs

import "reflect"

// MaxArrayItems caps every merged array. Pathological inputs (thousands of
// near-identical line items across documents) degrade to truncation rather
// than an unbounded summary row.
const MaxArrayItems = 1000

// SourcedDoc is one extracted document entering the merge, tagged with the
// file it came from. Source may be empty when merging chunks of a single
// file, in which case no provenance is stamped.
type SourcedDoc struct {
	Source string
	Fields map[string]any
}

// MergeDocuments folds the documents into one structural view, in input
// order. Scalars: the first non-empty value wins. Arrays: concatenated, with
// deep-equal duplicates dropped, capped at MaxArrayItems. Objects: merged
// recursively. Array items that are objects are stamped with source_document
// before merging so provenance survives the fold.
func MergeDocuments(docs []SourcedDoc) map[string]any {
	out := map[string]any{}
	for _, d := range docs {
		fields := d.Fields
		if d.Source != "" {
			fields = stampProvenance(fields, d.Source).(map[string]any)
		}
		mergeMaps(out, fields)
	}
	return out
}

func stampProvenance(v any, source string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = stampProvenance(val, source)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			stamped := stampProvenance(item, source)
			if m, ok := stamped.(map[string]any); ok {
				if _, exists := m["source_document"]; !exists {
					m["source_document"] = source
				}
			}
			out[i] = stamped
		}
		return out
	default:
		return v
	}
}

func mergeMaps(dst, src map[string]any) {
	for k, sv := range src {
		dv, ok := dst[k]
		if !ok || isEmpty(dv) {
			if !isEmpty(sv) || !ok {
				dst[k] = sv
			}
			continue
		}
		switch d := dv.(type) {
		case map[string]any:
			if s, ok := sv.(map[string]any); ok {
				mergeMaps(d, s)
			}
		case []any:
			if s, ok := sv.([]any); ok {
				dst[k] = mergeArrays(d, s)
			}
		}
		// Non-empty scalar already present: first value stands.
	}
}

func mergeArrays(dst, src []any) []any {
	for _, item := range src {
		if len(dst) >= MaxArrayItems {
			break
		}
		dup := false
		for _, have := range dst {
			if reflect.DeepEqual(have, item) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, item)
		}
	}
	if len(dst) > MaxArrayItems {
		dst = dst[:MaxArrayItems]
	}
	return dst
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}
