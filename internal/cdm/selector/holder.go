package selector

import (
	"context"
	"log/slog"
	"sync/atomic"

	"tessera/internal/cdm"
	"tessera/internal/keys"
	"tessera/internal/logging"
)

// Source hands a pipeline the CDM to use for one track. The returned handle
// is captured for the whole exchange.
type Source interface {
	Acquire(ctx context.Context, req Request) (cdm.Handle, error)
}

type handleRef struct {
	handle cdm.Handle
}

// Holder is the shared reference to the live CDM. Readers capture a handle
// with Load; Swap replaces it without affecting captured references.
type Holder struct {
	ref atomic.Pointer[handleRef]
}

// NewHolder returns a holder seeded with handle, which may be nil.
func NewHolder(handle cdm.Handle) *Holder {
	h := &Holder{}
	if handle != nil {
		h.ref.Store(&handleRef{handle: handle})
	}
	return h
}

// Load returns the current handle or nil.
func (h *Holder) Load() cdm.Handle {
	ref := h.ref.Load()
	if ref == nil {
		return nil
	}
	return ref.handle
}

// Swap installs handle and returns the previous one.
func (h *Holder) Swap(handle cdm.Handle) cdm.Handle {
	old := h.ref.Swap(&handleRef{handle: handle})
	if old == nil {
		return nil
	}
	return old.handle
}

// Acquire returns the current handle regardless of req.
func (h *Holder) Acquire(context.Context, Request) (cdm.Handle, error) {
	handle := h.Load()
	if handle == nil {
		return nil, &keys.ConfigurationError{Key: "cdm", Message: "no cdm loaded"}
	}
	return handle, nil
}

// Fixed is a Source that always returns the same handle.
type Fixed struct {
	Handle cdm.Handle
}

func (f Fixed) Acquire(context.Context, Request) (cdm.Handle, error) {
	if f.Handle == nil {
		return nil, &keys.ConfigurationError{Key: "cdm", Message: "no cdm loaded"}
	}
	return f.Handle, nil
}

// Switching selects a CDM per request and swaps it into the holder when it
// differs from the live one.
type Switching struct {
	selector *Selector
	holder   *Holder
	logger   *slog.Logger
}

// NewSwitching ties a selector to a holder.
func NewSwitching(selector *Selector, holder *Holder, logger *slog.Logger) *Switching {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Switching{selector: selector, holder: holder, logger: logging.NewComponentLogger(logger, "cdm")}
}

func (s *Switching) Acquire(ctx context.Context, req Request) (cdm.Handle, error) {
	handle, err := s.selector.Select(ctx, req)
	if err != nil {
		return nil, err
	}
	current := s.holder.Load()
	if current == handle {
		return handle, nil
	}
	previous := s.holder.Swap(handle)
	attrs := []logging.Attr{logging.String("cdm", handle.Identity().String())}
	if previous != nil {
		attrs = append(attrs, logging.String("previous", previous.Identity().String()))
	}
	logging.WithContext(ctx, s.logger).Info("switching cdm", logging.Args(attrs...)...)
	return handle, nil
}

// Holder exposes the holder the source swaps into.
func (s *Switching) Holder() *Holder { return s.holder }
