package license

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tessera/internal/cdm"
)

func TestHTTPLicensePostsChallenge(t *testing.T) {
	var gotBody []byte
	var gotHeader, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get("X-Auth")
		gotType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte("license-bytes"))
	}))
	defer srv.Close()

	provider := NewHTTP(HTTPOptions{LicenseURL: srv.URL, Headers: map[string]string{"X-Auth": "token"}})
	license, err := provider.License(context.Background(), Request{Scheme: cdm.Widevine}, []byte("challenge"))
	if err != nil {
		t.Fatalf("License: %v", err)
	}
	if string(license) != "license-bytes" || string(gotBody) != "challenge" {
		t.Fatalf("unexpected exchange: sent %q got %q", gotBody, license)
	}
	if gotHeader != "token" || gotType != "application/octet-stream" {
		t.Fatalf("unexpected headers auth=%q type=%q", gotHeader, gotType)
	}
}

func TestHTTPLicenseEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{LicenseURL: srv.URL}).License(context.Background(), Request{}, []byte("c"))
	if !errors.Is(err, ErrEmptyLicense) {
		t.Fatalf("expected ErrEmptyLicense, got %v", err)
	}
}

func TestHTTPLicenseResponsePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"license":"` + base64.StdEncoding.EncodeToString([]byte("wrapped")) + `"}}`))
	}))
	defer srv.Close()

	provider := NewHTTP(HTTPOptions{LicenseURL: srv.URL, ResponsePath: "data.license"})
	license, err := provider.License(context.Background(), Request{}, []byte("c"))
	if err != nil {
		t.Fatalf("License: %v", err)
	}
	if string(license) != "wrapped" {
		t.Fatalf("unexpected license %q", license)
	}
}

func TestHTTPLicenseServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden region", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{LicenseURL: srv.URL}).License(context.Background(), Request{}, []byte("c"))
	if err == nil || errors.Is(err, ErrEmptyLicense) {
		t.Fatalf("expected http error, got %v", err)
	}
}

func TestHTTPCertificateOnlyForWidevine(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("cert"))
	}))
	defer srv.Close()

	provider := NewHTTP(HTTPOptions{LicenseURL: srv.URL})
	cert, err := provider.Certificate(context.Background(), Request{Scheme: cdm.Widevine})
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	if string(cert) != "cert" || len(gotBody) != 2 || gotBody[0] != 0x08 || gotBody[1] != 0x04 {
		t.Fatalf("unexpected certificate exchange %q %x", cert, gotBody)
	}
	cert, err = provider.Certificate(context.Background(), Request{Scheme: cdm.PlayReady})
	if err != nil || cert != nil {
		t.Fatalf("expected no certificate for playready, got %q %v", cert, err)
	}
}
