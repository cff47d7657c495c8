package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/nestdoc/internal/ir"
)

// CompileError is a model compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileString compiles CUE source text into a Model. filename is used for
// error positions only.
func CompileString(filename, src string) (*Model, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// Compile parses the top-level value of a model file into a Model.
func Compile(v cue.Value) (*Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	entitiesVal := v.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, &CompileError{
			Field:   "entity",
			Message: "at least one entity is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	model := &Model{Entities: map[string]*Entity{}}
	for iter.Next() {
		entity, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		model.Entities[entity.Name] = entity
	}
	if len(model.Entities) == 0 {
		return nil, &CompileError{
			Field:   "entity",
			Message: "at least one entity is required",
			Pos:     entitiesVal.Pos(),
		}
	}

	if err := checkReferences(model, entitiesVal); err != nil {
		return nil, err
	}
	return model, nil
}

func compileEntity(name string, v cue.Value) (*Entity, error) {
	entity := &Entity{
		Name:          name,
		Attributes:    map[string]*Attribute{},
		Relationships: map[string]*Relationship{},
	}

	attrVal := v.LookupPath(cue.ParsePath("attribute"))
	if attrVal.Exists() {
		iter, err := attrVal.Fields(cue.Optional(true))
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			attr, err := compileAttribute(iter.Label(), iter.Value(), iter.IsOptional())
			if err != nil {
				return nil, err
			}
			entity.Attributes[attr.Name] = attr
		}
	}

	relVal := v.LookupPath(cue.ParsePath("relationship"))
	if relVal.Exists() {
		iter, err := relVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			rel, err := compileRelationship(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			if _, clash := entity.Attributes[rel.Name]; clash {
				return nil, &CompileError{
					Field:   "relationship",
					Message: fmt.Sprintf("%s.%s is declared as both attribute and relationship", name, rel.Name),
					Pos:     iter.Value().Pos(),
				}
			}
			entity.Relationships[rel.Name] = rel
		}
	}

	if len(entity.Attributes) == 0 && len(entity.Relationships) == 0 {
		return nil, &CompileError{
			Field:   "entity",
			Message: fmt.Sprintf("entity %s declares no attributes or relationships", name),
			Pos:     v.Pos(),
		}
	}
	return entity, nil
}

func compileAttribute(name string, v cue.Value, optional bool) (*Attribute, error) {
	typ, err := attributeType(v)
	if err != nil {
		return nil, err
	}
	attr := &Attribute{Name: name, Type: typ, Optional: optional}

	if d, ok := v.Default(); ok && d.IsConcrete() {
		data, err := d.MarshalJSON()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def, err := ir.UnmarshalIRValue(data)
		if err != nil {
			return nil, &CompileError{
				Field:   "attribute",
				Message: fmt.Sprintf("default for %s: %v", name, err),
				Pos:     v.Pos(),
			}
		}
		attr.Default = def
	}
	return attr, nil
}

// attributeType converts a CUE kind to an attribute type. Floats are
// forbidden; declare integers instead.
func attributeType(v cue.Value) (AttributeType, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return TypeString, nil
	case cue.IntKind:
		return TypeInt, nil
	case cue.BoolKind:
		return TypeBool, nil
	case cue.ListKind:
		return TypeArray, nil
	case cue.StructKind:
		return TypeObject, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func compileRelationship(name string, v cue.Value) (*Relationship, error) {
	rel := &Relationship{Name: name, DeleteRule: DeleteNullify}

	dest := v.LookupPath(cue.ParsePath("destination"))
	if !dest.Exists() {
		return nil, &CompileError{
			Field:   "destination",
			Message: fmt.Sprintf("relationship %s requires a destination", name),
			Pos:     v.Pos(),
		}
	}
	s, err := dest.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	rel.Destination = s

	if rel.ToMany, err = optionalBool(v, "toMany"); err != nil {
		return nil, err
	}
	rel.Optional = true
	if opt := v.LookupPath(cue.ParsePath("optional")); opt.Exists() {
		if rel.Optional, err = opt.Bool(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	if ruleVal := v.LookupPath(cue.ParsePath("deleteRule")); ruleVal.Exists() {
		s, err := ruleVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		rel.DeleteRule = DeleteRule(s)
		if !rel.DeleteRule.valid() {
			return nil, &CompileError{
				Field:   "deleteRule",
				Message: fmt.Sprintf("unknown delete rule %q (want nullify, cascade, deny or noAction)", s),
				Pos:     ruleVal.Pos(),
			}
		}
	}

	if invVal := v.LookupPath(cue.ParsePath("inverse")); invVal.Exists() {
		s, err := invVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		rel.Inverse = s
	}
	return rel, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// checkReferences verifies relationship destinations and inverses exist.
func checkReferences(m *Model, v cue.Value) error {
	for _, en := range m.EntityNames() {
		e := m.Entities[en]
		for _, rn := range e.RelationshipNames() {
			r := e.Relationships[rn]
			dest, ok := m.Entities[r.Destination]
			if !ok {
				return &CompileError{
					Field:   "destination",
					Message: fmt.Sprintf("%s.%s: unknown destination entity %q", en, rn, r.Destination),
					Pos:     v.LookupPath(cue.MakePath(cue.Str(en), cue.Str("relationship"), cue.Str(rn))).Pos(),
				}
			}
			if r.Inverse == "" {
				continue
			}
			inv, ok := dest.Relationships[r.Inverse]
			if !ok || inv.Destination != en {
				return &CompileError{
					Field:   "relationship",
					Message: fmt.Sprintf("%s.%s: inverse %s.%s does not point back to %s", en, rn, r.Destination, r.Inverse, en),
					Pos:     v.LookupPath(cue.MakePath(cue.Str(en), cue.Str("relationship"), cue.Str(rn))).Pos(),
				}
			}
		}
	}
	return nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
