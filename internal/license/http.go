package license

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"tessera/internal/cdm"
)

// widevineCertificateRequest is the fixed SignedMessage asking a Widevine
// license server for its service certificate.
var widevineCertificateRequest = []byte{0x08, 0x04}

// HTTPOptions configures an HTTP license endpoint.
type HTTPOptions struct {
	LicenseURL     string
	CertificateURL string
	Headers        map[string]string
	// ResponsePath extracts a base64 license from a JSON reply. Empty means
	// the body is the license.
	ResponsePath string
	Timeout      time.Duration
	UserAgent    string
	Client       *http.Client
}

// HTTP posts challenges to a fixed license URL. It provides both the
// certificate and the license.
type HTTP struct {
	opts   HTTPOptions
	client *resty.Client
}

// NewHTTP builds an HTTP provider.
func NewHTTP(opts HTTPOptions) *HTTP {
	client := resty.New()
	if opts.Client != nil {
		client = resty.NewWithClient(opts.Client)
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	client.SetHeaders(opts.Headers)
	return &HTTP{opts: opts, client: client}
}

// Certificate requests the Widevine service certificate. Other schemes and
// services without a certificate URL return nil.
func (p *HTTP) Certificate(ctx context.Context, req Request) ([]byte, error) {
	if req.Scheme != cdm.Widevine {
		return nil, nil
	}
	url := p.opts.CertificateURL
	if url == "" {
		url = p.opts.LicenseURL
	}
	if url == "" {
		return nil, nil
	}
	body, err := p.post(ctx, url, widevineCertificateRequest, req.Scheme)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	return body, nil
}

func (p *HTTP) License(ctx context.Context, req Request, challenge []byte) ([]byte, error) {
	if p.opts.LicenseURL == "" {
		return nil, fmt.Errorf("license url is not configured")
	}
	body, err := p.post(ctx, p.opts.LicenseURL, challenge, req.Scheme)
	if err != nil {
		return nil, err
	}
	if p.opts.ResponsePath != "" {
		if !gjson.ValidBytes(body) {
			return nil, fmt.Errorf("license response is not json")
		}
		encoded := gjson.GetBytes(body, p.opts.ResponsePath).String()
		if encoded == "" {
			return nil, ErrEmptyLicense
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode license at %s: %w", p.opts.ResponsePath, err)
		}
		body = decoded
	}
	if len(body) == 0 {
		return nil, ErrEmptyLicense
	}
	return body, nil
}

func (p *HTTP) post(ctx context.Context, url string, payload []byte, scheme cdm.Scheme) ([]byte, error) {
	request := p.client.R().SetContext(ctx).SetBody(payload)
	if _, ok := p.opts.Headers["Content-Type"]; !ok {
		request.SetHeader("Content-Type", contentType(scheme))
	}
	resp, err := request.Post(url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode(), strings.TrimSpace(truncate(resp.String(), 200)))
	}
	return resp.Body(), nil
}

func contentType(scheme cdm.Scheme) string {
	switch scheme {
	case cdm.PlayReady:
		return "text/xml; charset=utf-8"
	case cdm.ClearKey:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
