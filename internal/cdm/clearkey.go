package cdm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"tessera/internal/keys"
)

// ClearKeyHandle implements the W3C ClearKey exchange: the challenge is a
// JSON list of base64url KIDs and the license is a JWK set of oct keys.
type ClearKeyHandle struct {
	name string
}

// NewClearKey returns a ClearKey handle.
func NewClearKey(name string) *ClearKeyHandle {
	if name == "" {
		name = "clearkey"
	}
	return &ClearKeyHandle{name: name}
}

func (h *ClearKeyHandle) Identity() Identity {
	return Identity{Name: h.name, Scheme: ClearKey, Locality: Local}
}

func (h *ClearKeyHandle) RequiresCertificate() bool { return false }

func (h *ClearKeyHandle) Open(context.Context) (Session, error) {
	return &clearKeySession{}, nil
}

type clearKeySession struct{}

func (clearKeySession) SetServiceCertificate(context.Context, []byte) error { return nil }

func (clearKeySession) Challenge(_ context.Context, _ []byte, kids []keys.KID) ([]byte, error) {
	if len(kids) == 0 {
		return nil, &keys.LicenseExchangeError{Op: "challenge", Err: errors.New("clearkey request needs at least one kid")}
	}
	request := struct {
		KIDs []string `json:"kids"`
		Type string   `json:"type"`
	}{Type: "temporary"}
	for _, kid := range kids {
		request.KIDs = append(request.KIDs, kid.Base64URL())
	}
	return json.Marshal(request)
}

func (clearKeySession) ParseLicense(_ context.Context, license []byte) (keys.Set, error) {
	if !gjson.ValidBytes(license) {
		return nil, &keys.LicenseExchangeError{Op: "parse", Err: errors.New("clearkey license is not json")}
	}
	set := keys.Set{}
	var parseErr error
	gjson.GetBytes(license, "keys").ForEach(func(_, jwk gjson.Result) bool {
		if kty := jwk.Get("kty").String(); kty != "" && kty != "oct" {
			return true
		}
		rawKID, err := base64.RawURLEncoding.DecodeString(jwk.Get("kid").String())
		if err != nil {
			parseErr = fmt.Errorf("jwk kid: %w", err)
			return false
		}
		kid, err := keys.KIDFromBytes(rawKID)
		if err != nil {
			parseErr = err
			return false
		}
		rawKey, err := base64.RawURLEncoding.DecodeString(jwk.Get("k").String())
		if err != nil {
			parseErr = fmt.Errorf("jwk k: %w", err)
			return false
		}
		set[kid] = keys.ContentKey(rawKey)
		return true
	})
	if parseErr != nil {
		return nil, &keys.LicenseExchangeError{Op: "parse", Err: parseErr}
	}
	return set, nil
}

func (clearKeySession) Close(context.Context) error { return nil }
