// Package httpvault is a client for remote key vaults speaking the JSON-RPC
// style vault protocol: every call is a POST of {method, params, token} and
// every reply is {status_code, message}.
package httpvault

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"tessera/internal/keys"
	"tessera/internal/vault"
)

// Options configures a remote vault client.
type Options struct {
	Info      vault.Info
	Host      string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	// Client overrides the underlying HTTP client, mainly for tests.
	Client *http.Client
}

// Vault talks to a remote vault over HTTP.
type Vault struct {
	client *resty.Client
	url    string
	token  string
	info   vault.Info

	mu        sync.Mutex
	sessionID string
}

type request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	Token  string         `json:"token"`
}

// New builds a client for the vault at opts.Host.
func New(opts Options) *Vault {
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
	client.SetHeader("Content-Type", "application/json")

	info := opts.Info
	info.Kind = "http"
	return &Vault{
		client: client,
		url:    strings.TrimSpace(opts.Host),
		token:  opts.APIKey,
		info:   info,
	}
}

func (v *Vault) Info() vault.Info { return v.info }

// call posts one method and returns the message payload. notFound is true
// for HTTP 404 and for message.status == "not_found".
func (v *Vault) call(ctx context.Context, method string, params map[string]any) (gjson.Result, bool, error) {
	if params == nil {
		params = map[string]any{}
	}
	v.mu.Lock()
	if v.sessionID != "" {
		params["session_id"] = v.sessionID
	} else {
		params["session_id"] = nil
	}
	v.mu.Unlock()

	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(request{Method: method, Params: params, Token: v.token}).
		Post(v.url)
	if err != nil {
		return gjson.Result{}, false, fmt.Errorf("%s %s: %w", v.info.Name, method, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return gjson.Result{}, true, nil
	}
	if resp.IsError() {
		return gjson.Result{}, false, fmt.Errorf("%s %s: http %d", v.info.Name, method, resp.StatusCode())
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, false, fmt.Errorf("%s %s: invalid json response", v.info.Name, method)
	}
	reply := gjson.ParseBytes(body)
	if code := reply.Get("status_code").Int(); code != http.StatusOK {
		return gjson.Result{}, false, fmt.Errorf("%s %s: status %d: %s", v.info.Name, method, code, reply.Get("message").String())
	}
	message := reply.Get("message")
	if session := message.Get("session_id").String(); session != "" {
		v.mu.Lock()
		v.sessionID = session
		v.mu.Unlock()
	}
	if message.Get("status").String() == "not_found" {
		return message, true, nil
	}
	return message, false, nil
}

func withTitle(ctx context.Context, params map[string]any) map[string]any {
	if title, ok := vault.TitleFromContext(ctx); ok {
		params["title"] = title
	} else {
		params["title"] = nil
	}
	return params
}

func (v *Vault) GetKey(ctx context.Context, service string, kid keys.KID) (keys.ContentKey, bool, error) {
	message, notFound, err := v.call(ctx, "GetKey", withTitle(ctx, map[string]any{
		"kid":     kid.String(),
		"service": strings.ToLower(service),
	}))
	if err != nil || notFound {
		return nil, false, err
	}
	for _, entry := range message.Get("keys").Array() {
		entryKID, err := keys.ParseKID(entry.Get("kid").String())
		if err != nil || entryKID != kid {
			continue
		}
		key, err := keys.ParseContentKey(entry.Get("key").String())
		if err != nil {
			return nil, false, fmt.Errorf("%s GetKey: decode key: %w", v.info.Name, err)
		}
		if key.IsBlank() {
			return nil, false, nil
		}
		return key, true, nil
	}
	return nil, false, nil
}

func (v *Vault) AddKey(ctx context.Context, service string, kid keys.KID, key keys.ContentKey) (vault.InsertResult, error) {
	if key.IsBlank() {
		return vault.InsertFailed, keys.ErrBlankKey
	}
	if v.info.NoPush {
		return vault.InsertSkipped, nil
	}
	message, notFound, err := v.call(ctx, "InsertKey", withTitle(ctx, map[string]any{
		"kid":     kid.String(),
		"key":     key.String(),
		"service": strings.ToLower(service),
	}))
	if err != nil {
		return vault.InsertFailed, err
	}
	if notFound {
		return vault.InsertFailed, fmt.Errorf("%s InsertKey: %w", v.info.Name, keys.ErrVaultUnavailable)
	}
	if message.Get("inserted").Bool() {
		return vault.Inserted, nil
	}
	return vault.AlreadyExists, nil
}

// AddKeys inserts keys one call at a time; the protocol has no batch insert.
// The first transport error aborts the batch.
func (v *Vault) AddKeys(ctx context.Context, service string, set keys.Set) (int, error) {
	if v.info.NoPush {
		return 0, nil
	}
	inserted := 0
	for _, kid := range set.SortedKIDs() {
		key := set[kid]
		if key.IsBlank() {
			continue
		}
		result, err := v.AddKey(ctx, service, kid, key)
		if err != nil {
			return inserted, err
		}
		if result == vault.Inserted {
			inserted++
		}
	}
	return inserted, nil
}

func (v *Vault) Services(ctx context.Context) ([]string, error) {
	message, notFound, err := v.call(ctx, "GetServices", nil)
	if err != nil || notFound {
		return nil, err
	}
	var out []string
	for _, service := range message.Get("services").Array() {
		out = append(out, service.String())
	}
	return out, nil
}

func (v *Vault) Keys(ctx context.Context, service string) (keys.Set, error) {
	out := make(keys.Set)
	message, notFound, err := v.call(ctx, "GetKeys", map[string]any{"service": strings.ToLower(service)})
	if err != nil || notFound {
		return out, err
	}
	for _, entry := range message.Get("keys").Array() {
		kid, err := keys.ParseKID(entry.Get("kid").String())
		if err != nil {
			continue
		}
		key, err := keys.ParseContentKey(entry.Get("key").String())
		if err != nil || key.IsBlank() {
			continue
		}
		out[kid] = key
	}
	return out, nil
}

func (v *Vault) Close() error { return nil }
