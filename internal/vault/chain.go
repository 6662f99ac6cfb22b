package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"tessera/internal/keys"
	"tessera/internal/logging"
)

type member struct {
	vault    Vault
	disabled atomic.Bool
}

// Chain is an ordered list of vaults queried first to last.
//
// A vault that errors is disabled for the rest of the run and treated as a
// miss. No_push vaults are read but never written. The chain itself holds no
// mutable state besides those disabled flags, so it is safe for concurrent
// use as long as each Vault is.
type Chain struct {
	members []*member
	logger  *slog.Logger
}

// Hit reports where a lookup found its key.
type Hit struct {
	Key   keys.ContentKey
	Vault string
	Index int
}

// NewChain builds a chain in lookup order.
func NewChain(logger *slog.Logger, vaults ...Vault) *Chain {
	chain := &Chain{logger: logging.NewComponentLogger(logger, "vault")}
	for _, v := range vaults {
		if v == nil {
			continue
		}
		chain.members = append(chain.members, &member{vault: v})
	}
	return chain
}

// Len returns the number of configured vaults, including disabled ones.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.members)
}

// Vaults returns the configured vaults in lookup order.
func (c *Chain) Vaults() []Vault {
	if c == nil {
		return nil
	}
	out := make([]Vault, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.vault)
	}
	return out
}

// Available reports whether the named vault is still in use this run.
func (c *Chain) Available(name string) bool {
	for _, m := range c.members {
		if m.vault.Info().Name == name {
			return !m.disabled.Load()
		}
	}
	return false
}

// Lookup returns the first vault's key for kid, stopping at the first hit.
// The key is then written back to every other writable vault.
func (c *Chain) Lookup(ctx context.Context, service string, kid keys.KID) (Hit, bool) {
	if c == nil {
		return Hit{}, false
	}
	for idx, m := range c.members {
		if m.disabled.Load() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Hit{}, false
		}
		key, ok, err := m.vault.GetKey(ctx, service, kid)
		if err != nil {
			c.disable(ctx, m, "lookup", err)
			continue
		}
		if !ok || key.IsBlank() {
			continue
		}
		hit := Hit{Key: key, Vault: m.vault.Info().Name, Index: idx}
		logging.WithContext(ctx, c.logger).Debug("vault hit",
			logging.String(logging.FieldVault, hit.Vault),
			logging.KID(kid),
		)
		c.AddKey(ctx, service, kid, key, hit.Vault)
		return hit, true
	}
	return Hit{}, false
}

// AddKey writes one key to every writable vault except excluding and returns
// how many vaults now hold it.
func (c *Chain) AddKey(ctx context.Context, service string, kid keys.KID, key keys.ContentKey, excluding string) int {
	if c == nil || key.IsBlank() {
		return 0
	}
	cached := 0
	for _, m := range c.writable(excluding) {
		result, err := m.vault.AddKey(ctx, service, kid, key)
		if err != nil {
			if !errors.Is(err, keys.ErrBlankKey) {
				c.disable(ctx, m, "insert", err)
			}
			continue
		}
		if result.Cached() {
			cached++
		}
	}
	return cached
}

// AddKeys writes every non-blank key in set to each writable vault except
// those named in excluding. It returns how many vaults accepted the batch.
func (c *Chain) AddKeys(ctx context.Context, service string, set keys.Set, excluding ...string) int {
	if c == nil {
		return 0
	}
	clean := set.WithoutBlank()
	if len(clean) == 0 {
		return 0
	}
	cached := 0
	for _, m := range c.writable(excluding...) {
		inserted, err := m.vault.AddKeys(ctx, service, clean)
		if err != nil {
			c.disable(ctx, m, "bulk insert", err)
			continue
		}
		logging.WithContext(ctx, c.logger).Debug("cached keys",
			logging.String(logging.FieldVault, m.vault.Info().Name),
			logging.Int("inserted", inserted),
			logging.Int("offered", len(clean)),
		)
		cached++
	}
	return cached
}

func (c *Chain) writable(excluding ...string) []*member {
	out := make([]*member, 0, len(c.members))
	for _, m := range c.members {
		info := m.vault.Info()
		if info.NoPush || m.disabled.Load() {
			continue
		}
		skip := false
		for _, name := range excluding {
			if name != "" && info.Name == name {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, m)
		}
	}
	return out
}

func (c *Chain) disable(ctx context.Context, m *member, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	if !m.disabled.CompareAndSwap(false, true) {
		return
	}
	info := m.vault.Info()
	logging.WarnWithContext(logging.WithContext(ctx, c.logger), "vault unavailable, skipping for the rest of the run",
		"vault_unavailable",
		logging.String(logging.FieldVault, info.Name),
		logging.String("vault_kind", info.Kind),
		logging.String("operation", op),
		logging.Error(fmt.Errorf("%w: %w", keys.ErrVaultUnavailable, err)),
		logging.String(logging.FieldErrorHint, "check the vault connection settings"),
		logging.String(logging.FieldImpact, "keys will not be read from or cached to this vault"),
	)
}

// Close closes every vault and returns the first error.
func (c *Chain) Close() error {
	if c == nil {
		return nil
	}
	var first error
	for _, m := range c.members {
		if err := m.vault.Close(); err != nil && first == nil {
			first = fmt.Errorf("close vault %s: %w", m.vault.Info().Name, err)
		}
	}
	return first
}

// Services returns the union of service tags across enumerable vaults.
func (c *Chain) Services(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, m := range c.members {
		enum, ok := m.vault.(Enumerator)
		if !ok || m.disabled.Load() {
			continue
		}
		services, err := enum.Services(ctx)
		if err != nil {
			c.disable(ctx, m, "list services", err)
			continue
		}
		for _, service := range services {
			if !seen[service] {
				seen[service] = true
				out = append(out, service)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

// Keys returns the union of keys for service across enumerable vaults. When
// vaults disagree the earlier vault wins, matching lookup order.
func (c *Chain) Keys(ctx context.Context, service string) (keys.Set, error) {
	out := make(keys.Set)
	for i := len(c.members) - 1; i >= 0; i-- {
		m := c.members[i]
		enum, ok := m.vault.(Enumerator)
		if !ok || m.disabled.Load() {
			continue
		}
		set, err := enum.Keys(ctx, service)
		if err != nil {
			c.disable(ctx, m, "list keys", err)
			continue
		}
		out.Overlay(set.WithoutBlank())
	}
	return out, nil
}
