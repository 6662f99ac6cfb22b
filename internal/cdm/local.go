package cdm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tidwall/gjson"

	"tessera/internal/keys"
)

// Engine performs a local CDM's cryptography. A challenge call returns an
// opaque state blob that is handed back to Parse, so engines may be
// stateless between calls.
type Engine interface {
	Challenge(ctx context.Context, req ChallengeRequest) (ChallengeResult, error)
	Parse(ctx context.Context, req ParseRequest) (keys.Set, error)
}

// ChallengeRequest carries the inputs of a license request.
type ChallengeRequest struct {
	Device      *Device
	InitData    []byte
	KIDs        []keys.KID
	Certificate []byte
}

// ChallengeResult is a license request plus the engine state needed to read
// the matching response.
type ChallengeResult struct {
	Challenge []byte
	State     []byte
}

// ParseRequest carries a license response for a previously built challenge.
type ParseRequest struct {
	Device  *Device
	State   []byte
	License []byte
}

// LocalHandle is a CDM backed by a device file on disk.
type LocalHandle struct {
	name   string
	device *Device
	engine Engine
}

// NewLocal builds a handle around a parsed device.
func NewLocal(name string, device *Device, engine Engine) (*LocalHandle, error) {
	if device == nil {
		return nil, errors.New("local cdm requires a device")
	}
	if engine == nil {
		return nil, &keys.ConfigurationError{Key: "engine.binary", Message: "no local cdm engine configured"}
	}
	return &LocalHandle{name: name, device: device, engine: engine}, nil
}

func (h *LocalHandle) Identity() Identity {
	return Identity{
		Name:          h.name,
		Scheme:        h.device.Scheme,
		DeviceType:    h.device.DeviceType,
		SecurityLevel: h.device.SecurityLevel,
		Locality:      Local,
	}
}

// RequiresCertificate is true for Widevine devices, which run in privacy
// mode.
func (h *LocalHandle) RequiresCertificate() bool {
	return h.device.Scheme == Widevine
}

// Device exposes the parsed device file.
func (h *LocalHandle) Device() *Device { return h.device }

func (h *LocalHandle) Open(context.Context) (Session, error) {
	return &localSession{handle: h}, nil
}

type localSession struct {
	handle      *LocalHandle
	certificate []byte
	state       []byte
	closed      bool
}

func (s *localSession) SetServiceCertificate(_ context.Context, certificate []byte) error {
	if s.closed {
		return errSessionClosed
	}
	s.certificate = bytes.Clone(certificate)
	return nil
}

func (s *localSession) Challenge(ctx context.Context, initData []byte, kids []keys.KID) ([]byte, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	result, err := s.handle.engine.Challenge(ctx, ChallengeRequest{
		Device:      s.handle.device,
		InitData:    initData,
		KIDs:        kids,
		Certificate: s.certificate,
	})
	if err != nil {
		return nil, &keys.LicenseExchangeError{Op: "challenge", Err: err}
	}
	if len(result.Challenge) == 0 {
		return nil, &keys.LicenseExchangeError{Op: "challenge", Err: errors.New("engine returned an empty challenge")}
	}
	s.state = result.State
	return result.Challenge, nil
}

func (s *localSession) ParseLicense(ctx context.Context, license []byte) (keys.Set, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	set, err := s.handle.engine.Parse(ctx, ParseRequest{
		Device:  s.handle.device,
		State:   s.state,
		License: license,
	})
	if err != nil {
		return nil, &keys.LicenseExchangeError{Op: "parse", Err: err}
	}
	return set, nil
}

func (s *localSession) Close(context.Context) error {
	s.closed = true
	s.state = nil
	return nil
}

var errSessionClosed = errors.New("cdm session is closed")

// ExecEngine runs an external helper once per operation. The helper reads a
// JSON request on stdin and writes a JSON response on stdout.
//
//	{"op":"challenge","device_path":...,"init_data":b64,"kids":[hex],"certificate":b64}
//	-> {"challenge":b64,"state":b64}
//	{"op":"parse","device_path":...,"state":b64,"license":b64}
//	-> {"keys":[{"kid":hex,"key":hex}]}
type ExecEngine struct {
	Binary string
	Args   []string
}

type execRequest struct {
	Op          string   `json:"op"`
	DevicePath  string   `json:"device_path"`
	Scheme      Scheme   `json:"scheme"`
	InitData    string   `json:"init_data,omitempty"`
	KIDs        []string `json:"kids,omitempty"`
	Certificate string   `json:"certificate,omitempty"`
	State       string   `json:"state,omitempty"`
	License     string   `json:"license,omitempty"`
}

func (e ExecEngine) Challenge(ctx context.Context, req ChallengeRequest) (ChallengeResult, error) {
	payload := execRequest{
		Op:          "challenge",
		DevicePath:  req.Device.Path,
		Scheme:      req.Device.Scheme,
		InitData:    encodeB64(req.InitData),
		Certificate: encodeB64(req.Certificate),
	}
	for _, kid := range req.KIDs {
		payload.KIDs = append(payload.KIDs, kid.String())
	}
	out, err := e.run(ctx, payload)
	if err != nil {
		return ChallengeResult{}, err
	}
	challenge, err := base64.StdEncoding.DecodeString(gjson.GetBytes(out, "challenge").String())
	if err != nil {
		return ChallengeResult{}, fmt.Errorf("decode engine challenge: %w", err)
	}
	state, err := base64.StdEncoding.DecodeString(gjson.GetBytes(out, "state").String())
	if err != nil {
		return ChallengeResult{}, fmt.Errorf("decode engine state: %w", err)
	}
	return ChallengeResult{Challenge: challenge, State: state}, nil
}

func (e ExecEngine) Parse(ctx context.Context, req ParseRequest) (keys.Set, error) {
	out, err := e.run(ctx, execRequest{
		Op:         "parse",
		DevicePath: req.Device.Path,
		Scheme:     req.Device.Scheme,
		State:      encodeB64(req.State),
		License:    encodeB64(req.License),
	})
	if err != nil {
		return nil, err
	}
	return parseKeyList(gjson.GetBytes(out, "keys"), "kid", "key")
}

func (e ExecEngine) run(ctx context.Context, payload execRequest) ([]byte, error) {
	if strings.TrimSpace(e.Binary) == "" {
		return nil, &keys.ConfigurationError{Key: "engine.binary", Message: "no local cdm engine configured"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, e.Binary, e.Args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(body)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", e.Binary, payload.Op, err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", e.Binary, payload.Op, err)
	}
	if !gjson.ValidBytes(out) {
		return nil, fmt.Errorf("%s %s: invalid json output", e.Binary, payload.Op)
	}
	if msg := gjson.GetBytes(out, "error").String(); msg != "" {
		return nil, fmt.Errorf("%s %s: %s", e.Binary, payload.Op, msg)
	}
	return out, nil
}

func encodeB64(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// parseKeyList reads an array of key objects. Entries with a type other
// than CONTENT are skipped.
func parseKeyList(list gjson.Result, kidField, keyField string) (keys.Set, error) {
	if !list.IsArray() {
		return nil, errors.New("response carries no key list")
	}
	set := keys.Set{}
	var parseErr error
	list.ForEach(func(_, entry gjson.Result) bool {
		if kind := entry.Get("type").String(); kind != "" && !strings.EqualFold(kind, "CONTENT") {
			return true
		}
		kid, err := keys.ParseKID(entry.Get(kidField).String())
		if err != nil {
			parseErr = fmt.Errorf("key entry: %w", err)
			return false
		}
		key, err := keys.ParseContentKey(entry.Get(keyField).String())
		if err != nil {
			parseErr = fmt.Errorf("key entry %s: %w", kid, err)
			return false
		}
		set[kid] = key
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return set, nil
}
