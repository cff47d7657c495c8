package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/ir"
)

// Seed is the YAML import format.
//
//	records:
//	  - ref: herbert
//	    kind: Author
//	    attributes: {name: Frank Herbert}
//	  - kind: Book
//	    attributes: {title: Dune, year: 1965}
//	    relationships: {author: [herbert]}
//
// Relationship targets name a ref from the same file or the permanent
// identifier of a stored record ("Author/p1").
type Seed struct {
	Records []SeedRecord `yaml:"records"`
}

// SeedRecord is one record to insert.
type SeedRecord struct {
	Ref           string              `yaml:"ref"`
	Kind          string              `yaml:"kind"`
	Attributes    map[string]any      `yaml:"attributes"`
	Relationships map[string][]string `yaml:"relationships"`
}

// ParseSeed decodes and checks a seed file. Unknown keys are rejected.
func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &seed, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	refs := map[string]int{}
	for i, rec := range seed.Records {
		if rec.Kind == "" {
			return nil, fmt.Errorf("record %d: kind is required", i+1)
		}
		if rec.Ref == "" {
			continue
		}
		if prev, dup := refs[rec.Ref]; dup {
			return nil, fmt.Errorf("record %d: ref %q already used by record %d", i+1, rec.Ref, prev)
		}
		refs[rec.Ref] = i + 1
	}
	return &seed, nil
}

// Seeded is the identifier a seed record was inserted as.
type Seeded struct {
	Ref  string
	Kind string
	ID   ir.EntityIdentifier
}

// apply inserts every record, then sets relationships once all refs are
// known. It runs as one op, so a failure leaves nothing half-linked to save.
func (s *Seed) apply(tx *engine.Tx) ([]Seeded, error) {
	refs := map[string]ir.EntityIdentifier{}
	out := make([]Seeded, 0, len(s.Records))

	for i, rec := range s.Records {
		attrs := ir.IRObject{}
		for k, v := range rec.Attributes {
			val, err := ir.FromNative(v)
			if err != nil {
				return nil, fmt.Errorf("record %d: attribute %s: %w", i+1, k, err)
			}
			attrs[k] = val
		}
		inserted, err := tx.Insert(rec.Kind, attrs)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		if rec.Ref != "" {
			refs[rec.Ref] = inserted.ID
		}
		out = append(out, Seeded{Ref: rec.Ref, Kind: rec.Kind, ID: inserted.ID})
	}

	for i, rec := range s.Records {
		names := make([]string, 0, len(rec.Relationships))
		for name := range rec.Relationships {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			var targets []ir.EntityIdentifier
			for _, label := range rec.Relationships[name] {
				id, err := resolveLabel(refs, label)
				if err != nil {
					return nil, fmt.Errorf("record %d: %s: %w", i+1, name, err)
				}
				targets = append(targets, id)
			}
			if _, err := tx.SetRelationship(out[i].ID, name, targets...); err != nil {
				return nil, fmt.Errorf("record %d: %w", i+1, err)
			}
		}
	}
	return out, nil
}

func resolveLabel(refs map[string]ir.EntityIdentifier, label string) (ir.EntityIdentifier, error) {
	if id, ok := refs[label]; ok {
		return id, nil
	}
	id, err := ir.ParseIdentifier(label)
	if err != nil || id.IsTemporary() {
		return ir.EntityIdentifier{}, fmt.Errorf("unknown ref %q", label)
	}
	return id, nil
}
