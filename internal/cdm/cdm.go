package cdm

import (
	"context"
	"fmt"
	"strings"

	"tessera/internal/keys"
)

// Scheme is a DRM system.
type Scheme string

const (
	Widevine  Scheme = "widevine"
	PlayReady Scheme = "playready"
	ClearKey  Scheme = "clearkey"
)

// ParseScheme accepts scheme names case-insensitively.
func ParseScheme(value string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "widevine", "wv":
		return Widevine, nil
	case "playready", "pr":
		return PlayReady, nil
	case "clearkey", "ck":
		return ClearKey, nil
	default:
		return "", fmt.Errorf("unknown drm scheme %q", value)
	}
}

// Locality says where the CDM's cryptography runs.
type Locality string

const (
	Local  Locality = "local"
	Remote Locality = "remote"
)

// Identity describes a CDM instance.
type Identity struct {
	Name          string
	Scheme        Scheme
	DeviceType    string
	SecurityLevel int
	SystemID      int
	Locality      Locality
}

func (i Identity) String() string {
	var b strings.Builder
	b.WriteString(i.Name)
	b.WriteString(" (")
	b.WriteString(string(i.Scheme))
	if i.DeviceType != "" {
		b.WriteString(" ")
		b.WriteString(i.DeviceType)
	}
	if i.SecurityLevel > 0 {
		fmt.Fprintf(&b, " L%d", i.SecurityLevel)
	}
	b.WriteString(", ")
	b.WriteString(string(i.Locality))
	b.WriteString(")")
	return b.String()
}

// Handle is a loaded CDM. Handles are immutable once built and may serve
// many sessions concurrently.
type Handle interface {
	Identity() Identity
	// RequiresCertificate reports whether a service certificate should be set
	// before generating a challenge.
	RequiresCertificate() bool
	Open(ctx context.Context) (Session, error)
}

// Session is one license exchange. Sessions are not shared between
// goroutines.
type Session interface {
	SetServiceCertificate(ctx context.Context, certificate []byte) error
	// Challenge builds a license request from the PSSH init data. kids is
	// used by schemes whose request names KIDs directly.
	Challenge(ctx context.Context, initData []byte, kids []keys.KID) ([]byte, error)
	// ParseLicense returns the content keys carried by license.
	ParseLicense(ctx context.Context, license []byte) (keys.Set, error)
	Close(ctx context.Context) error
}
