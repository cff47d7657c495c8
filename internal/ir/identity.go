package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityIdentifier names a persisted object.
//
// An identifier is temporary until the changeset that created it reaches the
// durable store; the store then mints a permanent identifier and every
// context in the chain learns the mapping. Temporary identifiers are only
// meaningful within the context chain that created them.
type EntityIdentifier struct {
	Temporary bool   `json:"temporary,omitempty"`
	Token     string `json:"token"`
}

// permanentMarker separates the entity kind from the store sequence in a
// permanent token: "Person/p12".
const permanentMarker = "/p"

// NewTemporaryIdentifier wraps a context-minted token.
func NewTemporaryIdentifier(token string) EntityIdentifier {
	return EntityIdentifier{Temporary: true, Token: token}
}

// NewPermanentIdentifier builds the store-minted identifier for the seq'th
// row of the store. Sequences are unique per store, not per kind.
func NewPermanentIdentifier(kind string, seq int64) EntityIdentifier {
	return EntityIdentifier{Token: kind + permanentMarker + strconv.FormatInt(seq, 10)}
}

// ParsePermanentIdentifier is the inverse of NewPermanentIdentifier.
func ParsePermanentIdentifier(token string) (kind string, seq int64, err error) {
	idx := strings.LastIndex(token, permanentMarker)
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed permanent identifier %q", token)
	}
	seq, err = strconv.ParseInt(token[idx+len(permanentMarker):], 10, 64)
	if err != nil || seq <= 0 {
		return "", 0, fmt.Errorf("malformed permanent identifier %q", token)
	}
	return token[:idx], seq, nil
}

// ParseIdentifier parses the String() form back into an identifier.
func ParseIdentifier(s string) (EntityIdentifier, error) {
	if tok, ok := strings.CutPrefix(s, "tmp:"); ok {
		if tok == "" {
			return EntityIdentifier{}, fmt.Errorf("empty temporary identifier")
		}
		return NewTemporaryIdentifier(tok), nil
	}
	if _, _, err := ParsePermanentIdentifier(s); err != nil {
		return EntityIdentifier{}, err
	}
	return EntityIdentifier{Token: s}, nil
}

// IsTemporary reports whether the identifier has not been persisted yet.
func (id EntityIdentifier) IsTemporary() bool {
	return id.Temporary
}

// IsZero reports whether id is the zero identifier.
func (id EntityIdentifier) IsZero() bool {
	return id.Token == ""
}

// Key is the map key for an identifier. Temporary and permanent token spaces
// never collide.
func (id EntityIdentifier) Key() string {
	if id.Temporary {
		return "tmp:" + id.Token
	}
	return id.Token
}

// String returns the printable form, identical to Key.
func (id EntityIdentifier) String() string {
	return id.Key()
}
