package queryir

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/roach88/nestdoc/internal/ir"
)

// SortRecords sorts records in place by keys. The sort is stable: records
// that compare equal on every key keep their relative input order. Missing
// fields sort before every present value.
func SortRecords[E ir.Entity](records []E, keys []SortKey) {
	if len(keys) == 0 || len(records) < 2 {
		return
	}
	slices.SortStableFunc(records, func(a, b E) int {
		return CompareBy(a, b, keys)
	})
}

// CompareBy compares two entities under an ordered list of sort keys.
func CompareBy(a, b ir.Entity, keys []SortKey) int {
	for _, k := range keys {
		av, _ := FieldValue(a, k.Field)
		bv, _ := FieldValue(b, k.Field)
		if k.FoldCase {
			av, bv = foldValue(av), foldValue(bv)
		}
		c := ir.Compare(av, bv)
		if k.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func foldValue(v ir.IRValue) ir.IRValue {
	s, ok := v.(ir.IRString)
	if !ok {
		return v
	}
	// cases.Caser is stateful and not safe for concurrent use.
	return ir.IRString(cases.Fold().String(string(s)))
}

// ParseSortKeys parses a comma-separated sort list such as "a,-b,~c".
// A "-" prefix sorts descending and "~" ignores case; they combine, so
// "-~name" sorts descending ignoring case.
func ParseSortKeys(spec string) ([]SortKey, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	var keys []SortKey
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		var key SortKey
		for len(part) > 0 && (part[0] == '-' || part[0] == '~') {
			if part[0] == '-' {
				key.Descending = true
			} else {
				key.FoldCase = true
			}
			part = part[1:]
		}
		if part == "" {
			return nil, fmt.Errorf("invalid sort %q: empty field", spec)
		}
		key.Field = part
		keys = append(keys, key)
	}
	return keys, nil
}
