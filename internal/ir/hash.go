package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainModel prefixes model hashes. The version suffix leaves room for
// algorithm migration.
const DomainModel = "nestdoc/model/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue returns the domain-separated hash of v's canonical encoding.
func HashValue(domain string, v IRValue) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}
