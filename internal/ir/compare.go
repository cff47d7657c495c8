package ir

import (
	"bytes"
	"cmp"
	"strings"
)

// rank orders value types for mixed-type comparison. A missing value (nil)
// sorts with null, before everything else.
func rank(v IRValue) int {
	switch v.(type) {
	case nil, IRNull:
		return 0
	case IRBool:
		return 1
	case IRInt:
		return 2
	case IRString:
		return 3
	case IRArray:
		return 4
	case IRObject:
		return 5
	default:
		return 6
	}
}

// Compare imposes a total order over values:
//
//	missing/null < bool < int < string < array < object
//
// Values of the same type compare naturally (false < true, numeric, byte-wise
// string order). Arrays compare element-wise, then by length. Objects compare
// by their canonical encoding.
func Compare(a, b IRValue) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch av := a.(type) {
	case IRBool:
		bv := b.(IRBool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case IRInt:
		return cmp.Compare(av, b.(IRInt))
	case IRString:
		return strings.Compare(string(av), string(b.(IRString)))
	case IRArray:
		bv := b.(IRArray)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(av), len(bv))
	case IRObject:
		ab, errA := MarshalCanonical(av)
		bb, errB := MarshalCanonical(b.(IRObject))
		if errA != nil || errB != nil {
			return cmp.Compare(len(av), len(b.(IRObject)))
		}
		return bytes.Compare(ab, bb)
	default:
		return 0
	}
}

// Equal reports whether two values are equal under Compare.
func Equal(a, b IRValue) bool {
	return Compare(a, b) == 0
}
