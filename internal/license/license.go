// Package license defines how the pipeline obtains service certificates and
// licenses from a content service.
package license

import (
	"context"
	"errors"

	"tessera/internal/cdm"
)

// ErrEmptyLicense is returned by providers whose service answered without a
// license body.
var ErrEmptyLicense = errors.New("license server returned an empty license")

// Request identifies what a certificate or license is for.
type Request struct {
	Title   string
	TrackID string
	Scheme  cdm.Scheme
}

// CertificateProvider fetches a service certificate. A nil certificate with
// a nil error means the service does not use one.
type CertificateProvider interface {
	Certificate(ctx context.Context, req Request) ([]byte, error)
}

// Provider exchanges a CDM challenge for a license.
type Provider interface {
	License(ctx context.Context, req Request, challenge []byte) ([]byte, error)
}

// CertificateFunc adapts a function to CertificateProvider.
type CertificateFunc func(ctx context.Context, req Request) ([]byte, error)

func (f CertificateFunc) Certificate(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request, challenge []byte) ([]byte, error)

func (f ProviderFunc) License(ctx context.Context, req Request, challenge []byte) ([]byte, error) {
	return f(ctx, req, challenge)
}

// NoCertificate is a CertificateProvider for services without one.
var NoCertificate CertificateProvider = CertificateFunc(func(context.Context, Request) ([]byte, error) {
	return nil, nil
})
