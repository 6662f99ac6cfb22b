package keys

import (
	"bytes"
	"sort"
)

// Set maps KIDs to their content keys.
type Set map[KID]ContentKey

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for kid, key := range s {
		out[kid] = key.Clone()
	}
	return out
}

// WithoutBlank returns a copy that omits every blank key.
func (s Set) WithoutBlank() Set {
	out := make(Set, len(s))
	for kid, key := range s {
		if key.IsBlank() {
			continue
		}
		out[kid] = key.Clone()
	}
	return out
}

// Overlay copies every entry of other into s, replacing existing entries.
func (s Set) Overlay(other Set) {
	for kid, key := range other {
		s[kid] = key.Clone()
	}
}

// Has reports whether kid has a non-blank key.
func (s Set) Has(kid KID) bool {
	key, ok := s[kid]
	return ok && !key.IsBlank()
}

// Missing returns the KIDs from want that have no usable key, preserving the
// order of want.
func (s Set) Missing(want []KID) []KID {
	var out []KID
	for _, kid := range want {
		if !s.Has(kid) {
			out = append(out, kid)
		}
	}
	return out
}

// SortedKIDs returns the set's KIDs in byte order.
func (s Set) SortedKIDs() []KID {
	out := make([]KID, 0, len(s))
	for kid := range s {
		out = append(out, kid)
	}
	SortKIDs(out)
	return out
}

// HexMap renders the set as hex kid to hex key for JSON documents.
func (s Set) HexMap() map[string]string {
	out := make(map[string]string, len(s))
	for kid, key := range s {
		out[kid.String()] = key.String()
	}
	return out
}

// SortKIDs orders kids by their byte value.
func SortKIDs(kids []KID) {
	sort.Slice(kids, func(i, j int) bool {
		return bytes.Compare(kids[i][:], kids[j][:]) < 0
	})
}

// AppendUnique appends kid when it is not already present.
func AppendUnique(kids []KID, kid KID) []KID {
	for _, existing := range kids {
		if existing == kid {
			return kids
		}
	}
	return append(kids, kid)
}
