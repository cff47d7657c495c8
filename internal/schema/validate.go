package schema

import (
	"fmt"
	"strings"

	"github.com/roach88/nestdoc/internal/ir"
)

// Violation codes.
const (
	ViolationUnknownEntity       = "UNKNOWN_ENTITY"
	ViolationUnknownAttribute    = "UNKNOWN_ATTRIBUTE"
	ViolationTypeMismatch        = "TYPE_MISMATCH"
	ViolationMissingRequired     = "MISSING_REQUIRED"
	ViolationUnknownRelationship = "UNKNOWN_RELATIONSHIP"
	ViolationTooManyTargets      = "TOO_MANY_TARGETS"
	ViolationDeleteDenied        = "DELETE_DENIED"
	ViolationDanglingReference   = "DANGLING_REFERENCE"
)

// Violation is one reason a record cannot be saved.
type Violation struct {
	ID      ir.EntityIdentifier `json:"id"`
	Kind    string              `json:"kind"`
	Field   string              `json:"field,omitempty"`
	Code    string              `json:"code"`
	Message string              `json:"message"`
}

func (v Violation) String() string {
	if v.Field != "" {
		return fmt.Sprintf("%s %s.%s: %s", v.ID, v.Kind, v.Field, v.Message)
	}
	return fmt.Sprintf("%s %s: %s", v.ID, v.Kind, v.Message)
}

// FormatViolations joins violations into one line for error messages.
func FormatViolations(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// ValidateChange checks one pending change against the model.
func (m *Model) ValidateChange(c ir.Change) []Violation {
	rec := c.Record
	entity, ok := m.Entities[rec.Kind]
	if !ok {
		return []Violation{{
			ID: rec.ID, Kind: rec.Kind, Code: ViolationUnknownEntity,
			Message: fmt.Sprintf("unknown entity %q", rec.Kind),
		}}
	}
	if c.Op == ir.OpDelete {
		return entity.validateDelete(rec)
	}
	return entity.ValidateRecord(rec)
}

// ValidateRecord checks attribute types, required attributes and
// relationship cardinality.
func (e *Entity) ValidateRecord(rec ir.EntityRecord) []Violation {
	var out []Violation
	add := func(field, code, format string, args ...any) {
		out = append(out, Violation{
			ID: rec.ID, Kind: e.Name, Field: field, Code: code,
			Message: fmt.Sprintf(format, args...),
		})
	}

	for _, name := range rec.Attributes.SortedKeys() {
		v := rec.Attributes[name]
		attr, ok := e.Attributes[name]
		if !ok {
			add(name, ViolationUnknownAttribute, "unknown attribute")
			continue
		}
		if !attr.Type.Accepts(v) {
			add(name, ViolationTypeMismatch, "expected %s, got %T", attr.Type, v)
		}
	}
	for _, name := range e.AttributeNames() {
		attr := e.Attributes[name]
		if _, ok := rec.Attributes[name]; !ok && !attr.Optional {
			add(name, ViolationMissingRequired, "required attribute is missing")
		}
	}

	for _, name := range sortedKeys(rec.Relationships) {
		if _, ok := e.Relationships[name]; !ok {
			add(name, ViolationUnknownRelationship, "unknown relationship")
		}
	}
	for _, name := range e.RelationshipNames() {
		rel := e.Relationships[name]
		targets := rec.Relationships[name]
		if !rel.ToMany && len(targets) > 1 {
			add(name, ViolationTooManyTargets, "to-one relationship has %d targets", len(targets))
		}
		if !rel.Optional && len(targets) == 0 {
			add(name, ViolationMissingRequired, "required relationship is empty")
		}
	}
	return out
}

func (e *Entity) validateDelete(rec ir.EntityRecord) []Violation {
	var out []Violation
	for _, name := range e.RelationshipNames() {
		rel := e.Relationships[name]
		if rel.DeleteRule == DeleteDeny && len(rec.Relationships[name]) > 0 {
			out = append(out, Violation{
				ID: rec.ID, Kind: e.Name, Field: name, Code: ViolationDeleteDenied,
				Message: fmt.Sprintf("delete denied while %d related record(s) remain", len(rec.Relationships[name])),
			})
		}
	}
	return out
}
