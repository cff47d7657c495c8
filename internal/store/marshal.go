package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/nestdoc/internal/ir"
)

// marshalAttributes converts attributes to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so equal records store equal bytes and
// json_extract sees NFC strings.
func marshalAttributes(attrs ir.IRObject) (string, error) {
	if attrs == nil {
		attrs = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(data), nil
}

// marshalRelationships stores relationships as a canonical JSON object of
// identifier string arrays. Empty relationships are omitted.
func marshalRelationships(rels map[string][]ir.EntityIdentifier) (string, error) {
	obj := ir.IRObject{}
	for name, ids := range rels {
		if len(ids) == 0 {
			continue
		}
		arr := make(ir.IRArray, len(ids))
		for i, id := range ids {
			arr[i] = ir.IRString(id.String())
		}
		obj[name] = arr
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal relationships: %w", err)
	}
	return string(data), nil
}

// unmarshalAttributes parses canonical JSON TEXT to IRObject.
// Uses ir.IRObject.UnmarshalJSON which handles large integers via
// json.Number to avoid float64 precision loss for values > 2^53.
func unmarshalAttributes(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return obj, nil
}

// unmarshalRelationships parses the stored relationship object.
func unmarshalRelationships(data string) (map[string][]ir.EntityIdentifier, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var raw map[string][]string
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal relationships: %w", err)
	}
	out := make(map[string][]ir.EntityIdentifier, len(raw))
	for name, tokens := range raw {
		ids := make([]ir.EntityIdentifier, len(tokens))
		for i, tok := range tokens {
			id, err := ir.ParseIdentifier(tok)
			if err != nil {
				return nil, fmt.Errorf("unmarshal relationships: %s: %w", name, err)
			}
			ids[i] = id
		}
		out[name] = ids
	}
	return out, nil
}
