package canonicalize

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

// ContentIDLength matches the width of a ULID so content ids can stand in
// wherever a ULID-shaped identifier is expected.
const ContentIDLength = 26

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ContentID derives a reproducible identifier from the canonical form of
// seed: lowercase unpadded base32 of SHA-256, truncated to ContentIDLength.
func ContentID(seed any) (string, error) {
	b, err := CanonicalJSON(seed)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return strings.ToLower(idEncoding.EncodeToString(sum[:]))[:ContentIDLength], nil
}

// PrefixedContentID is ContentID with a "<prefix>_" namespace.
func PrefixedContentID(prefix string, seed any) (string, error) {
	id, err := ContentID(seed)
	if err != nil {
		return "", err
	}
	return prefix + "_" + id, nil
}
