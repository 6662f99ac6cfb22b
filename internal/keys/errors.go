package keys

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrLicenseExchange  = errors.New("license exchange failed")
	ErrDeviceLoad       = errors.New("cdm device load failed")
	ErrConfiguration    = errors.New("configuration error")
	ErrVaultUnavailable = errors.New("vault unavailable")
	ErrBlankKey         = errors.New("blank content key")
)

// ErrorClassifier lets errors declare how a failure should be treated by the
// scheduler and the CLI.
type ErrorClassifier interface {
	ErrorKind() string
}

const (
	KindKeyNotFound      = "key_not_found"
	KindLicenseExchange  = "license_exchange"
	KindDeviceLoad       = "device_load"
	KindConfiguration    = "configuration"
	KindVaultUnavailable = "vault_unavailable"
)

// KeyNotFoundError reports a KID that no vault or license supplied. It fails
// the affected track only.
type KeyNotFoundError struct {
	KID    KID
	Reason string
}

func (e *KeyNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("no content key for kid %s", e.KID)
	}
	return fmt.Sprintf("no content key for kid %s: %s", e.KID, e.Reason)
}

func (e *KeyNotFoundError) Unwrap() error { return ErrKeyNotFound }

func (e *KeyNotFoundError) ErrorKind() string { return KindKeyNotFound }

// LicenseExchangeError reports a failed certificate, challenge, license, or
// parse step.
type LicenseExchangeError struct {
	Op  string
	Err error
}

func (e *LicenseExchangeError) Error() string {
	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "exchange"
	}
	if e.Err == nil {
		return fmt.Sprintf("license %s failed", op)
	}
	return fmt.Sprintf("license %s failed: %v", op, e.Err)
}

func (e *LicenseExchangeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLicenseExchange}
	}
	return []error{ErrLicenseExchange, e.Err}
}

func (e *LicenseExchangeError) ErrorKind() string { return KindLicenseExchange }

// DeviceLoadError reports a device file that could not be used, with a hint
// on how to fix it.
type DeviceLoadError struct {
	Path   string
	Remedy string
	Err    error
}

func (e *DeviceLoadError) Error() string {
	var b strings.Builder
	b.WriteString("load cdm device")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Remedy != "" {
		b.WriteString(" (")
		b.WriteString(e.Remedy)
		b.WriteString(")")
	}
	return b.String()
}

func (e *DeviceLoadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeviceLoad}
	}
	return []error{ErrDeviceLoad, e.Err}
}

func (e *DeviceLoadError) ErrorKind() string { return KindDeviceLoad }

// ConfigurationError reports an invalid or unresolvable setting.
type ConfigurationError struct {
	Key     string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "configuration: " + e.Message
	}
	return fmt.Sprintf("configuration %s: %s", e.Key, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func (e *ConfigurationError) ErrorKind() string { return KindConfiguration }

// Kind returns the classification of err, or "" when it carries none.
func Kind(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	return ""
}

// IsRunFatal reports whether err should stop the scheduler from starting
// further tracks. A missing key only fails the track that needed it, and
// cancellation is handled by the caller.
func IsRunFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKeyNotFound) {
		return false
	}
	return true
}
