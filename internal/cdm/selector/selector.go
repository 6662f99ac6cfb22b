// Package selector resolves which CDM serves a track and keeps the live
// handle that license exchanges capture.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tessera/internal/cdm"
	"tessera/internal/config"
	"tessera/internal/keys"
	"tessera/internal/logging"
)

// Factory instantiates a CDM by configured name.
type Factory interface {
	Build(ctx context.Context, name string, scheme cdm.Scheme) (cdm.Handle, error)
}

// ConfigFactory builds handles from [[remote_cdm]], the device directory,
// and the built-in ClearKey CDM.
type ConfigFactory struct {
	Remote    []config.RemoteCDM
	DeviceDir string
	Engine    cdm.Engine
	Network   config.Network
}

// NewConfigFactory wires a factory from cfg. The local engine is the
// configured helper binary, if any.
func NewConfigFactory(cfg *config.Config) *ConfigFactory {
	factory := &ConfigFactory{
		Remote:    cfg.RemoteCDM,
		DeviceDir: cfg.Paths.DeviceDir,
		Network:   cfg.Network,
	}
	if binary := strings.TrimSpace(cfg.Engine.Binary); binary != "" {
		factory.Engine = cdm.ExecEngine{Binary: binary}
	}
	return factory
}

func (f *ConfigFactory) Build(_ context.Context, name string, scheme cdm.Scheme) (cdm.Handle, error) {
	for _, remote := range f.Remote {
		if !strings.EqualFold(remote.Name, name) {
			continue
		}
		remoteScheme, err := cdm.ParseScheme(remote.Scheme)
		if err != nil {
			return nil, &keys.ConfigurationError{Key: "remote_cdm.scheme", Message: err.Error()}
		}
		return cdm.NewRemote(cdm.RemoteOptions{
			Name:          remote.Name,
			Host:          remote.Host,
			Secret:        remote.Secret,
			DeviceName:    remote.DeviceName,
			DeviceType:    remote.DeviceType,
			SystemID:      remote.SystemID,
			SecurityLevel: remote.SecurityLevel,
			Scheme:        remoteScheme,
			KeyPath:       remote.KeyPath,
			Timeout:       f.Network.Timeout(),
			UserAgent:     f.Network.UserAgent,
		})
	}
	if strings.EqualFold(name, string(cdm.ClearKey)) || scheme == cdm.ClearKey {
		return cdm.NewClearKey(name), nil
	}
	path, _, err := cdm.FindDevice(f.DeviceDir, name, scheme)
	if err != nil {
		return nil, err
	}
	device, err := cdm.LoadDevice(path)
	if err != nil {
		return nil, err
	}
	return cdm.NewLocal(name, device, f.Engine)
}

// Selector maps a request to a handle. Built handles are cached by name and
// scheme, so repeated selections reuse the same immutable handle.
type Selector struct {
	tree    *Tree
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]cdm.Handle
}

// New parses the identity tree from cfg.
func New(cfg *config.Config, factory Factory, logger *slog.Logger) (*Selector, error) {
	tree, err := ParseTree(cfg.CDM)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Selector{
		tree:    tree,
		factory: factory,
		logger:  logging.NewComponentLogger(logger, "cdm"),
		handles: make(map[string]cdm.Handle),
	}, nil
}

// Tree exposes the classified identity tree.
func (s *Selector) Tree() *Tree { return s.tree }

// Resolve returns the CDM name for req without building it.
func (s *Selector) Resolve(req Request) (string, error) {
	return s.tree.Resolve(req)
}

// Select resolves and instantiates the CDM for req.
func (s *Selector) Select(ctx context.Context, req Request) (cdm.Handle, error) {
	name, err := s.tree.Resolve(req)
	if err != nil {
		return nil, err
	}
	cacheKey := strings.ToLower(name) + "/" + string(req.Scheme)

	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.handles[cacheKey]; ok {
		return handle, nil
	}
	handle, err := s.factory.Build(ctx, name, req.Scheme)
	if err != nil {
		return nil, fmt.Errorf("cdm %q: %w", name, err)
	}
	if req.Scheme != "" && handle.Identity().Scheme != req.Scheme {
		return nil, &keys.ConfigurationError{
			Key:     "cdm." + strings.ToLower(req.Service),
			Message: fmt.Sprintf("cdm %q is %s but the track needs %s", name, handle.Identity().Scheme, req.Scheme),
		}
	}
	s.handles[cacheKey] = handle
	s.logger.Debug("cdm loaded",
		logging.String("cdm", handle.Identity().String()),
		logging.String(logging.FieldService, req.Service),
	)
	return handle, nil
}
