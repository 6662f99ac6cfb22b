package cdm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"tessera/internal/keys"
)

// RemoteOptions describes a CDM served over HTTP.
type RemoteOptions struct {
	Name          string
	Host          string
	Secret        string
	DeviceName    string
	DeviceType    string
	SystemID      int
	SecurityLevel int
	Scheme        Scheme
	// KeyPath is the gjson path of the key list in the get_keys reply.
	KeyPath   string
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

// RemoteHandle talks to a CDM server using the device-scoped REST API:
// /{device}/open, /{device}/set_service_certificate,
// /{device}/get_license_challenge/{type}, /{device}/parse_license,
// /{device}/get_keys/{type} and /{device}/close/{session}.
type RemoteHandle struct {
	opts   RemoteOptions
	client *resty.Client
}

// NewRemote validates opts and builds a handle. No request is made until a
// session is opened.
func NewRemote(opts RemoteOptions) (*RemoteHandle, error) {
	if strings.TrimSpace(opts.Host) == "" {
		return nil, &keys.ConfigurationError{Key: "remote_cdm.host", Message: fmt.Sprintf("remote cdm %q has no host", opts.Name)}
	}
	if strings.TrimSpace(opts.DeviceName) == "" {
		return nil, &keys.ConfigurationError{Key: "remote_cdm.device_name", Message: fmt.Sprintf("remote cdm %q has no device_name", opts.Name)}
	}
	if opts.Scheme == "" {
		opts.Scheme = Widevine
	}
	if opts.KeyPath == "" {
		opts.KeyPath = "data.keys"
	}
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
	client.SetBaseURL(strings.TrimRight(opts.Host, "/"))
	if opts.Secret != "" {
		client.SetHeader("X-Secret-Key", opts.Secret)
	}
	return &RemoteHandle{opts: opts, client: client}, nil
}

func (h *RemoteHandle) Identity() Identity {
	return Identity{
		Name:          h.opts.Name,
		Scheme:        h.opts.Scheme,
		DeviceType:    h.opts.DeviceType,
		SecurityLevel: h.opts.SecurityLevel,
		SystemID:      h.opts.SystemID,
		Locality:      Remote,
	}
}

func (h *RemoteHandle) RequiresCertificate() bool {
	return h.opts.Scheme == Widevine
}

func (h *RemoteHandle) Open(ctx context.Context) (Session, error) {
	reply, err := h.get(ctx, "/"+h.opts.DeviceName+"/open")
	if err != nil {
		return nil, &keys.LicenseExchangeError{Op: "open", Err: err}
	}
	sessionID := reply.Get("data.session_id").String()
	if sessionID == "" {
		return nil, &keys.LicenseExchangeError{Op: "open", Err: errors.New("remote cdm returned no session id")}
	}
	return &remoteSession{handle: h, id: sessionID}, nil
}

func (h *RemoteHandle) get(ctx context.Context, path string) (gjson.Result, error) {
	resp, err := h.client.R().SetContext(ctx).Get(path)
	return h.decode(path, resp, err)
}

func (h *RemoteHandle) post(ctx context.Context, path string, body map[string]any) (gjson.Result, error) {
	resp, err := h.client.R().SetContext(ctx).SetBody(body).Post(path)
	return h.decode(path, resp, err)
}

func (h *RemoteHandle) decode(path string, resp *resty.Response, err error) (gjson.Result, error) {
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: %w", h.opts.Name, path, err)
	}
	body := resp.Body()
	message := ""
	if gjson.ValidBytes(body) {
		message = gjson.GetBytes(body, "message").String()
	}
	if resp.IsError() {
		if message == "" {
			message = http.StatusText(resp.StatusCode())
		}
		return gjson.Result{}, fmt.Errorf("%s %s: http %d: %s", h.opts.Name, path, resp.StatusCode(), message)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s %s: invalid json response", h.opts.Name, path)
	}
	reply := gjson.ParseBytes(body)
	if status := reply.Get("status"); status.Exists() && status.Int() != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s %s: status %d: %s", h.opts.Name, path, status.Int(), message)
	}
	return reply, nil
}

func (h *RemoteHandle) licenseType() string {
	if h.opts.Scheme == Widevine {
		return "/STREAMING"
	}
	return ""
}

type remoteSession struct {
	handle *RemoteHandle
	id     string
	closed bool
}

func (s *remoteSession) path(op string) string {
	return "/" + s.handle.opts.DeviceName + "/" + op
}

func (s *remoteSession) SetServiceCertificate(ctx context.Context, certificate []byte) error {
	if s.closed {
		return errSessionClosed
	}
	var cert any
	if len(certificate) > 0 {
		cert = base64.StdEncoding.EncodeToString(certificate)
	}
	if _, err := s.handle.post(ctx, s.path("set_service_certificate"), map[string]any{
		"session_id":  s.id,
		"certificate": cert,
	}); err != nil {
		return &keys.LicenseExchangeError{Op: "certificate", Err: err}
	}
	return nil
}

func (s *remoteSession) Challenge(ctx context.Context, initData []byte, _ []keys.KID) ([]byte, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	body := map[string]any{"session_id": s.id}
	if s.handle.opts.Scheme == PlayReady {
		body["init_data"] = string(initData)
	} else {
		body["init_data"] = base64.StdEncoding.EncodeToString(initData)
		body["privacy_mode"] = s.handle.RequiresCertificate()
	}
	reply, err := s.handle.post(ctx, s.path("get_license_challenge"+s.handle.licenseType()), body)
	if err != nil {
		return nil, &keys.LicenseExchangeError{Op: "challenge", Err: err}
	}
	if b64 := reply.Get("data.challenge_b64").String(); b64 != "" {
		challenge, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, &keys.LicenseExchangeError{Op: "challenge", Err: err}
		}
		return challenge, nil
	}
	if raw := reply.Get("data.challenge").String(); raw != "" {
		return []byte(raw), nil
	}
	return nil, &keys.LicenseExchangeError{Op: "challenge", Err: errors.New("remote cdm returned no challenge")}
}

func (s *remoteSession) ParseLicense(ctx context.Context, license []byte) (keys.Set, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	var message string
	if s.handle.opts.Scheme == PlayReady {
		message = string(license)
	} else {
		message = base64.StdEncoding.EncodeToString(license)
	}
	if _, err := s.handle.post(ctx, s.path("parse_license"), map[string]any{
		"session_id":      s.id,
		"license_message": message,
	}); err != nil {
		return nil, &keys.LicenseExchangeError{Op: "parse", Err: err}
	}
	keysPath := "get_keys"
	if s.handle.opts.Scheme == Widevine {
		keysPath += "/CONTENT"
	}
	reply, err := s.handle.post(ctx, s.path(keysPath), map[string]any{"session_id": s.id})
	if err != nil {
		return nil, &keys.LicenseExchangeError{Op: "keys", Err: err}
	}
	set, err := parseKeyList(reply.Get(s.handle.opts.KeyPath), "key_id", "key")
	if err != nil {
		return nil, &keys.LicenseExchangeError{Op: "keys", Err: err}
	}
	return set, nil
}

func (s *remoteSession) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if _, err := s.handle.get(ctx, s.path("close/"+s.id)); err != nil {
		return fmt.Errorf("close remote session: %w", err)
	}
	return nil
}
