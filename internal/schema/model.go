package schema

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/nestdoc/internal/ir"
)

// SyncIdentifierAttribute is the conventional attribute name that receives a
// random UUID when an entity is inserted without one.
const SyncIdentifierAttribute = "syncIdentifier"

// AttributeType is the declared type of an attribute.
type AttributeType string

const (
	TypeString AttributeType = "string"
	TypeInt    AttributeType = "int"
	TypeBool   AttributeType = "bool"
	TypeArray  AttributeType = "array"
	TypeObject AttributeType = "object"
)

// Accepts reports whether v is a legal value for the type.
func (t AttributeType) Accepts(v ir.IRValue) bool {
	switch v.(type) {
	case ir.IRString:
		return t == TypeString
	case ir.IRInt:
		return t == TypeInt
	case ir.IRBool:
		return t == TypeBool
	case ir.IRArray:
		return t == TypeArray
	case ir.IRObject:
		return t == TypeObject
	default:
		return false
	}
}

// DeleteRule controls what happens to relationship targets when the source
// record is deleted.
type DeleteRule string

const (
	// DeleteNullify removes the deleted record from the targets' inverse.
	DeleteNullify DeleteRule = "nullify"
	// DeleteCascade deletes the targets as well.
	DeleteCascade DeleteRule = "cascade"
	// DeleteDeny rejects the save while targets remain.
	DeleteDeny DeleteRule = "deny"
	// DeleteNoAction leaves targets untouched.
	DeleteNoAction DeleteRule = "noAction"
)

func (r DeleteRule) valid() bool {
	switch r {
	case DeleteNullify, DeleteCascade, DeleteDeny, DeleteNoAction:
		return true
	}
	return false
}

// Attribute describes one scalar or structured property.
type Attribute struct {
	Name     string        `json:"name"`
	Type     AttributeType `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Default  ir.IRValue    `json:"default,omitempty"`
}

// UnmarshalJSON decodes Default through the IR decoder so stored models
// round-trip without floats.
func (a *Attribute) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name     string          `json:"name"`
		Type     AttributeType   `json:"type"`
		Optional bool            `json:"optional"`
		Default  json.RawMessage `json:"default"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Name, a.Type, a.Optional, a.Default = raw.Name, raw.Type, raw.Optional, nil
	if len(raw.Default) > 0 && string(raw.Default) != "null" {
		v, err := ir.UnmarshalIRValue(raw.Default)
		if err != nil {
			return fmt.Errorf("attribute %s default: %w", raw.Name, err)
		}
		a.Default = v
	}
	return nil
}

// Relationship describes a link to records of another entity.
type Relationship struct {
	Name        string     `json:"name"`
	Destination string     `json:"destination"`
	ToMany      bool       `json:"to_many,omitempty"`
	Optional    bool       `json:"optional,omitempty"`
	DeleteRule  DeleteRule `json:"delete_rule"`
	Inverse     string     `json:"inverse,omitempty"`
}

// Entity describes one record kind.
type Entity struct {
	Name          string                   `json:"name"`
	Attributes    map[string]*Attribute    `json:"attributes"`
	Relationships map[string]*Relationship `json:"relationships,omitempty"`
}

// HasSyncIdentifier reports whether inserts should mint a sync identifier.
func (e *Entity) HasSyncIdentifier() bool {
	a, ok := e.Attributes[SyncIdentifierAttribute]
	return ok && a.Type == TypeString
}

// AttributeNames returns attribute names in sorted order.
func (e *Entity) AttributeNames() []string {
	return sortedKeys(e.Attributes)
}

// RelationshipNames returns relationship names in sorted order.
func (e *Entity) RelationshipNames() []string {
	return sortedKeys(e.Relationships)
}

// Model is a compiled set of entities.
type Model struct {
	Entities map[string]*Entity `json:"entities"`
}

// Entity looks up an entity by name.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.Entities[name]
	return e, ok
}

// EntityNames returns entity names in sorted order.
func (m *Model) EntityNames() []string {
	return sortedKeys(m.Entities)
}

// IR renders the model as an IR object for hashing.
func (m *Model) IR() ir.IRObject {
	entities := ir.IRObject{}
	for name, e := range m.Entities {
		attrs := ir.IRObject{}
		for an, a := range e.Attributes {
			obj := ir.IRObject{"type": ir.IRString(a.Type), "optional": ir.IRBool(a.Optional)}
			if a.Default != nil {
				obj["default"] = a.Default
			}
			attrs[an] = obj
		}
		rels := ir.IRObject{}
		for rn, r := range e.Relationships {
			rels[rn] = ir.IRObject{
				"destination": ir.IRString(r.Destination),
				"to_many":     ir.IRBool(r.ToMany),
				"optional":    ir.IRBool(r.Optional),
				"delete_rule": ir.IRString(r.DeleteRule),
				"inverse":     ir.IRString(r.Inverse),
			}
		}
		entities[name] = ir.IRObject{"attributes": attrs, "relationships": rels}
	}
	return ir.IRObject{"entities": entities}
}

// Hash returns a stable content hash of the model. Stores record it to detect
// model changes between opens.
func (m *Model) Hash() (string, error) {
	return ir.HashValue(ir.DomainModel, m.IR())
}

// ApplyDefaults fills declared defaults for attributes missing from attrs.
// attrs is modified in place and returned.
func (e *Entity) ApplyDefaults(attrs ir.IRObject) ir.IRObject {
	if attrs == nil {
		attrs = ir.IRObject{}
	}
	for name, a := range e.Attributes {
		if _, ok := attrs[name]; !ok && a.Default != nil {
			attrs[name] = ir.CloneValue(a.Default)
		}
	}
	return attrs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
