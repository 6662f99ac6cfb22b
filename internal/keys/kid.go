package keys

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KID is a 128-bit key identifier referencing one content key.
type KID [16]byte

// ParseKID accepts the textual forms KIDs appear in across manifests, license
// responses, and vault rows: 32 hex digits, a dashed UUID, or base64 of the
// raw 16 bytes.
func ParseKID(value string) (KID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return KID{}, fmt.Errorf("parse kid: empty value")
	}
	if id, err := uuid.Parse(trimmed); err == nil {
		return KID(id), nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		raw, err := enc.DecodeString(trimmed)
		if err == nil && len(raw) == len(KID{}) {
			return KIDFromBytes(raw)
		}
	}
	return KID{}, fmt.Errorf("parse kid %q: not a 128-bit identifier", trimmed)
}

// MustParseKID is ParseKID for literals known to be valid.
func MustParseKID(value string) KID {
	kid, err := ParseKID(value)
	if err != nil {
		panic(err)
	}
	return kid
}

// KIDFromBytes copies a raw 16-byte identifier.
func KIDFromBytes(raw []byte) (KID, error) {
	var kid KID
	if len(raw) != len(kid) {
		return KID{}, fmt.Errorf("kid must be %d bytes, got %d", len(kid), len(raw))
	}
	copy(kid[:], raw)
	return kid, nil
}

// String renders the KID as 32 lowercase hex digits, the canonical form used
// for vault rows and decrypter arguments.
func (k KID) String() string {
	return hex.EncodeToString(k[:])
}

// UUID renders the KID in dashed form.
func (k KID) UUID() string {
	return uuid.UUID(k).String()
}

// Base64URL renders the KID as unpadded base64url, as used by ClearKey.
func (k KID) Base64URL() string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

// IsZero reports whether every byte of the identifier is zero.
func (k KID) IsZero() bool {
	return k == KID{}
}

// MarshalText implements encoding.TextMarshaler.
func (k KID) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KID) UnmarshalText(text []byte) error {
	parsed, err := ParseKID(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ContentKey is the symmetric key material for one KID.
type ContentKey []byte

// ParseContentKey decodes a hex key as found in vaults and license responses.
func ParseContentKey(value string) (ContentKey, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ContentKey{}, nil
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse content key: %w", err)
	}
	return ContentKey(raw), nil
}

// String renders the key as lowercase hex.
func (c ContentKey) String() string {
	return hex.EncodeToString(c)
}

// IsBlank reports whether the key is the all-zero placeholder some license
// servers return for KIDs the caller is not entitled to. An empty key is also
// blank.
func (c ContentKey) IsBlank() bool {
	for _, b := range c {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal reports byte equality.
func (c ContentKey) Equal(other ContentKey) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (c ContentKey) Clone() ContentKey {
	if c == nil {
		return nil
	}
	return append(ContentKey(nil), c...)
}
