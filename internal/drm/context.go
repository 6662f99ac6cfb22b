// Package drm resolves the content keys of a track's DRM contexts from the
// vault chain and, when needed, a single license exchange per content
// identity.
package drm

import (
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"

	"tessera/internal/cdm"
	"tessera/internal/keys"
)

// Descriptor is the DRM information a manifest declares for a track.
type Descriptor struct {
	Scheme cdm.Scheme
	KIDs   []keys.KID
	// PSSH is the scheme init data: a Widevine PSSH box or a PlayReady
	// WRM header.
	PSSH []byte
}

// Context holds one descriptor and the keys resolved for it so far. It is
// safe for concurrent use.
type Context struct {
	scheme   cdm.Scheme
	kids     []keys.KID
	pssh     []byte
	identity string

	mu      sync.Mutex
	keys    keys.Set
	sources map[keys.KID]string
}

// sourcedKey is a resolved key and the vault or exchange that supplied it.
type sourcedKey struct {
	key    keys.ContentKey
	source string
}

// NewContext builds a context with no keys.
func NewContext(d Descriptor) *Context {
	var kids []keys.KID
	for _, kid := range d.KIDs {
		kids = keys.AppendUnique(kids, kid)
	}
	c := &Context{
		scheme:  d.Scheme,
		kids:    kids,
		pssh:    append([]byte(nil), d.PSSH...),
		keys:    keys.Set{},
		sources: make(map[keys.KID]string),
	}
	c.identity = identityOf(c.scheme, c.pssh, c.kids)
	return c
}

// identityOf derives the content identity: the scheme plus a digest of the
// init data, or of the sorted KIDs when there is none.
func identityOf(scheme cdm.Scheme, pssh []byte, kids []keys.KID) string {
	h := blake3.New()
	if len(pssh) > 0 {
		_, _ = h.Write([]byte("pssh:"))
		_, _ = h.Write(pssh)
	} else {
		sorted := append([]keys.KID(nil), kids...)
		keys.SortKIDs(sorted)
		_, _ = h.Write([]byte("kids:"))
		for _, kid := range sorted {
			_, _ = h.Write(kid[:])
		}
	}
	sum := h.Sum(nil)
	return string(scheme) + ":" + hex.EncodeToString(sum[:16])
}

func (c *Context) Scheme() cdm.Scheme { return c.scheme }

// KIDs returns the declared KIDs.
func (c *Context) KIDs() []keys.KID { return append([]keys.KID(nil), c.kids...) }

func (c *Context) PSSH() []byte { return append([]byte(nil), c.pssh...) }

// Identity groups contexts that describe the same logical DRM session.
func (c *Context) Identity() string { return c.identity }

// ContentKeys returns a copy of the resolved keys.
func (c *Context) ContentKeys() keys.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Clone()
}

// Key returns the resolved key for kid.
func (c *Context) Key(kid keys.KID) (keys.ContentKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[kid]
	return key.Clone(), ok
}

// SetKey records a key. Blank keys are ignored.
func (c *Context) SetKey(kid keys.KID, key keys.ContentKey) {
	c.put(kid, key, "")
}

func (c *Context) put(kid keys.KID, key keys.ContentKey, source string) {
	if key.IsBlank() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[kid] = key.Clone()
	c.sources[kid] = source
}

// replaceKeys installs the reconciled set. KIDs that keep the key they
// already had keep its source; the rest are attributed to source.
func (c *Context) replaceKeys(set keys.Set, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := set.WithoutBlank()
	sources := make(map[keys.KID]string, len(next))
	for kid, key := range next {
		if previous, ok := c.keys[kid]; ok && previous.Equal(key) {
			sources[kid] = c.sources[kid]
			continue
		}
		sources[kid] = source
	}
	c.keys = next
	c.sources = sources
}

// sourcedKeys returns a copy of the resolved keys with their sources.
func (c *Context) sourcedKeys() map[keys.KID]sourcedKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[keys.KID]sourcedKey, len(c.keys))
	for kid, key := range c.keys {
		out[kid] = sourcedKey{key: key.Clone(), source: c.sources[kid]}
	}
	return out
}

// missing returns the KIDs of want with no key yet.
func (c *Context) missing(want []keys.KID) []keys.KID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Missing(want)
}

// complete reports whether every KID of want has a key. With nothing to
// want, any key counts.
func (c *Context) complete(want []keys.KID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(want) == 0 {
		return len(c.keys.WithoutBlank()) > 0
	}
	return len(c.keys.Missing(want)) == 0
}

// Track is the unit the pipeline prepares: its DRM contexts plus the KID
// found in the track's own media, if any.
type Track struct {
	ID      string
	Quality int
	// KID is the track-specific KID. Zero means the track declares none.
	KID      keys.KID
	Contexts []*Context
}

// HasKID reports whether the track carries a track-specific KID.
func (t *Track) HasKID() bool { return t != nil && !t.KID.IsZero() }
