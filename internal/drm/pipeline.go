package drm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tessera/internal/cdm"
	"tessera/internal/cdm/selector"
	"tessera/internal/keys"
	"tessera/internal/license"
	"tessera/internal/logging"
	"tessera/internal/report"
	"tessera/internal/vault"
)

// SourceLicense is the ledger source name for keys from a license exchange.
const SourceLicense = "license"

// Options are the per-call inputs to Prepare.
type Options struct {
	Service string
	Title   string
	Profile string
	// CDMOnly skips the vault chain.
	CDMOnly bool
	// VaultsOnly forbids license exchanges.
	VaultsOnly  bool
	Certificate license.CertificateProvider
	License     license.Provider
	// CDM supplies the handle; it is captured once per exchange.
	CDM selector.Source
}

func (o Options) validate() error {
	if o.CDMOnly && o.VaultsOnly {
		return &keys.ConfigurationError{Key: "workflow.cdm_only/workflow.vaults_only", Message: "cdm_only and vaults_only cannot both be set"}
	}
	return nil
}

// Pipeline prepares DRM contexts. One pipeline is shared by every track of
// a run.
type Pipeline struct {
	chain    *vault.Chain
	ledger   *report.Ledger
	logger   *slog.Logger
	locks    *identityLocks
	resolved *resolvedCache
}

// NewPipeline builds a pipeline over chain. A nil ledger disables reporting.
func NewPipeline(chain *vault.Chain, ledger *report.Ledger, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		chain:    chain,
		ledger:   ledger,
		logger:   logging.NewComponentLogger(logger, "drm"),
		locks:    newIdentityLocks(),
		resolved: newResolvedCache(),
	}
}

// PrepareTrack prepares every context of track in order. Keys resolved by an
// earlier context seed the later ones, so a context whose KIDs are already
// covered needs no vault lookup or CDM of its own. Once the track's key is
// known, a later context that still fails is logged and skipped.
func (p *Pipeline) PrepareTrack(ctx context.Context, track *Track, opts Options) error {
	if track == nil {
		return nil
	}
	known := make(map[keys.KID]sourcedKey)
	for _, drmCtx := range track.Contexts {
		if drmCtx == nil {
			continue
		}
		p.seed(drmCtx, track, known)
		if err := p.Prepare(ctx, track, drmCtx, opts); err != nil {
			if !satisfied(track, known) || isCancellation(err) {
				return err
			}
			logging.WarnWithContext(logging.WithContext(logging.WithTrackID(ctx, track.ID), p.logger),
				"drm context skipped", "drm_context_skipped",
				logging.String("scheme", string(drmCtx.Scheme())),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "configure a cdm for this scheme to resolve its remaining kids"),
				logging.String(logging.FieldImpact, "track is decrypted with keys from its other contexts"),
			)
			continue
		}
		for kid, entry := range drmCtx.sourcedKeys() {
			if _, ok := known[kid]; !ok {
				known[kid] = entry
			}
		}
	}
	return nil
}

// seed copies keys already resolved for the track into drmCtx.
func (p *Pipeline) seed(drmCtx *Context, track *Track, known map[keys.KID]sourcedKey) {
	if len(known) == 0 {
		return
	}
	want := drmCtx.KIDs()
	if track.HasKID() {
		want = keys.AppendUnique(want, track.KID)
	}
	for _, kid := range drmCtx.missing(want) {
		entry, ok := known[kid]
		if !ok {
			continue
		}
		drmCtx.put(kid, entry.key, entry.source)
		p.record(drmCtx, track, report.Entry{KID: kid, Key: entry.key, Source: entry.source})
	}
}

// satisfied reports whether known already holds what the track needs to be
// decrypted.
func satisfied(track *Track, known map[keys.KID]sourcedKey) bool {
	if track.HasKID() {
		_, ok := known[track.KID]
		return ok
	}
	return len(known) > 0
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Prepare resolves the keys of drmCtx in place. Vault lookups come first;
// KIDs still missing trigger one license exchange for the whole context. A
// nil context is a no-op.
//
// Work is serialized per content identity, so two tracks sharing an identity
// never run the same exchange twice: the second waits and reuses the keys the
// first resolved.
func (p *Pipeline) Prepare(ctx context.Context, track *Track, drmCtx *Context, opts Options) error {
	if drmCtx == nil {
		return nil
	}
	if err := opts.validate(); err != nil {
		return err
	}
	if track == nil {
		track = &Track{}
	}
	identity := drmCtx.Identity()
	if track.ID != "" {
		ctx = logging.WithTrackID(ctx, track.ID)
	}
	if opts.Service != "" {
		ctx = logging.WithService(ctx, opts.Service)
	}
	ctx = vault.WithTitle(ctx, opts.Title)
	logger := logging.WithContext(ctx, p.logger).With(logging.String("identity", identity))

	want := drmCtx.KIDs()
	if track.HasKID() {
		want = keys.AppendUnique(want, track.KID)
	}
	p.open(drmCtx, track)

	if drmCtx.complete(want) {
		return nil
	}

	release, err := p.locks.acquire(ctx, identity)
	if err != nil {
		return err
	}
	defer release()

	// Keys resolved by an earlier track with the same identity.
	cached := p.resolved.get(identity)
	reuse := drmCtx.missing(want)
	if len(want) == 0 {
		reuse = sortedKIDs(cached)
	}
	for _, kid := range reuse {
		if entry, ok := cached[kid]; ok {
			drmCtx.put(kid, entry.key, entry.source)
			p.record(drmCtx, track, report.Entry{KID: kid, Key: entry.key, Source: entry.source})
		}
	}
	if drmCtx.complete(want) {
		return nil
	}

	missing := drmCtx.missing(want)
	if !opts.CDMOnly {
		for _, kid := range missing {
			hit, ok := p.chain.Lookup(ctx, opts.Service, kid)
			if !ok {
				continue
			}
			drmCtx.put(kid, hit.Key, hit.Vault)
			p.record(drmCtx, track, report.Entry{KID: kid, Key: hit.Key, Source: hit.Vault})
			logger.Debug("vault hit", logging.KID(kid), logging.ContentKey(hit.Key), logging.String(logging.FieldVault, hit.Vault))
		}
		missing = drmCtx.missing(want)
	}

	if !drmCtx.complete(want) {
		if opts.VaultsOnly {
			kid := firstRequired(track, missing)
			err := &keys.KeyNotFoundError{KID: kid, Reason: "not in any vault and vaults_only is set"}
			p.record(drmCtx, track, report.Entry{KID: kid, Err: err.Error()})
			return err
		}
		if err := p.exchange(ctx, logger, track, drmCtx, opts); err != nil {
			return err
		}
	}

	return p.checkRequired(drmCtx, track, want)
}

// exchange runs the license round trip and reconciles its keys with what the
// vaults already supplied.
func (p *Pipeline) exchange(ctx context.Context, logger *slog.Logger, track *Track, drmCtx *Context, opts Options) error {
	if opts.CDM == nil {
		return &keys.ConfigurationError{Key: "cdm", Message: "no cdm source for license exchange"}
	}
	if opts.License == nil {
		return &keys.ConfigurationError{Key: "license", Message: "no license provider for license exchange"}
	}
	fromVaults := drmCtx.ContentKeys()

	handle, err := opts.CDM.Acquire(ctx, selector.Request{
		Service: opts.Service,
		Profile: opts.Profile,
		Scheme:  drmCtx.Scheme(),
		Quality: track.Quality,
	})
	if err != nil {
		return err
	}
	logger.Info("license exchange",
		logging.String("cdm", handle.Identity().String()),
		logging.Int("kids", len(drmCtx.KIDs())),
	)

	licensed, err := p.runExchange(ctx, handle, track, drmCtx, opts)
	if err != nil {
		logging.WarnWithContext(logger, "license exchange failed", "license_exchange_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the license provider, cdm and service certificate"),
			logging.String(logging.FieldImpact, "track cannot be decrypted"),
		)
		return err
	}

	for _, kid := range licensed.SortedKIDs() {
		if licensed[kid].IsBlank() && !fromVaults.Has(kid) {
			p.record(drmCtx, track, report.Entry{KID: kid, Err: "license returned a blank key"})
		}
	}
	reconciled := licensed.WithoutBlank()
	reconciled.Overlay(fromVaults)
	drmCtx.replaceKeys(reconciled, SourceLicense)
	p.resolved.merge(drmCtx.Identity(), drmCtx.sourcedKeys())

	for _, kid := range reconciled.SortedKIDs() {
		if fromVaults.Has(kid) {
			continue
		}
		p.record(drmCtx, track, report.Entry{KID: kid, Key: reconciled[kid], Source: SourceLicense})
	}

	written := p.chain.AddKeys(ctx, opts.Service, reconciled)
	if p.ledger != nil {
		p.ledger.Cached(drmCtx.Identity(), written, p.chain.Len())
	}
	logger.Info("keys cached",
		logging.Int("keys", len(reconciled)),
		logging.Int("vaults_written", written),
		logging.Int("vaults_total", p.chain.Len()),
	)
	return nil
}

func (p *Pipeline) runExchange(ctx context.Context, handle cdm.Handle, track *Track, drmCtx *Context, opts Options) (keys.Set, error) {
	req := license.Request{Title: opts.Title, TrackID: track.ID, Scheme: drmCtx.Scheme()}

	session, err := handle.Open(ctx)
	if err != nil {
		return nil, asExchangeError("open", err)
	}
	defer func() {
		if cerr := session.Close(context.WithoutCancel(ctx)); cerr != nil {
			p.logger.Debug("close cdm session", logging.Error(cerr))
		}
	}()

	if handle.RequiresCertificate() && opts.Certificate != nil {
		certificate, err := opts.Certificate.Certificate(ctx, req)
		if err != nil {
			return nil, asExchangeError("certificate", err)
		}
		if len(certificate) > 0 {
			if err := session.SetServiceCertificate(ctx, certificate); err != nil {
				return nil, asExchangeError("certificate", err)
			}
		}
	}

	kids := drmCtx.KIDs()
	if track.HasKID() {
		kids = keys.AppendUnique(kids, track.KID)
	}
	challenge, err := session.Challenge(ctx, drmCtx.PSSH(), kids)
	if err != nil {
		return nil, asExchangeError("challenge", err)
	}
	body, err := opts.License.License(ctx, req, challenge)
	if err != nil {
		return nil, asExchangeError("request", err)
	}
	if len(body) == 0 {
		return nil, &keys.LicenseExchangeError{Op: "request", Err: license.ErrEmptyLicense}
	}
	set, err := session.ParseLicense(ctx, body)
	if err != nil {
		return nil, asExchangeError("parse", err)
	}
	return set, nil
}

// asExchangeError wraps err unless it already carries a classification or
// is a cancellation.
func asExchangeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if keys.Kind(err) != "" {
		return err
	}
	return &keys.LicenseExchangeError{Op: op, Err: err}
}

// checkRequired fails when the track's own KID has no key, or when a track
// without one ended up with no keys at all.
func (p *Pipeline) checkRequired(drmCtx *Context, track *Track, want []keys.KID) error {
	resolved := drmCtx.ContentKeys()
	if track.HasKID() {
		if resolved.Has(track.KID) {
			return nil
		}
		err := &keys.KeyNotFoundError{KID: track.KID, Reason: "required by the track and not returned by vaults or license"}
		p.record(drmCtx, track, report.Entry{KID: track.KID, Err: err.Error()})
		return err
	}
	if len(resolved.WithoutBlank()) > 0 {
		return nil
	}
	var kid keys.KID
	if len(want) > 0 {
		kid = want[0]
	}
	err := &keys.KeyNotFoundError{KID: kid, Reason: "no usable key was resolved for the track"}
	p.record(drmCtx, track, report.Entry{KID: kid, Err: err.Error()})
	return err
}

func firstRequired(track *Track, missing []keys.KID) keys.KID {
	if track.HasKID() {
		for _, kid := range missing {
			if kid == track.KID {
				return kid
			}
		}
	}
	if len(missing) > 0 {
		return missing[0]
	}
	return keys.KID{}
}

func (p *Pipeline) open(drmCtx *Context, track *Track) {
	if p.ledger == nil {
		return
	}
	p.ledger.Open(drmCtx.Identity(), string(drmCtx.Scheme()), label(drmCtx), track.ID)
}

func (p *Pipeline) record(drmCtx *Context, track *Track, entry report.Entry) {
	if p.ledger == nil {
		return
	}
	entry.Required = track.HasKID() && entry.KID == track.KID
	p.ledger.Record(drmCtx.Identity(), string(drmCtx.Scheme()), entry)
}

func label(drmCtx *Context) string {
	kids := drmCtx.KIDs()
	switch len(kids) {
	case 0:
		return drmCtx.Identity()
	case 1:
		return kids[0].String()
	default:
		return fmt.Sprintf("%s +%d", kids[0], len(kids)-1)
	}
}
