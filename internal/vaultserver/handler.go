// Package vaultserver exposes a vault chain over the JSON-RPC style vault
// protocol spoken by httpvault, so one machine's vaults can be shared.
package vaultserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tessera/internal/keys"
	"tessera/internal/logging"
	"tessera/internal/vault"
)

// Backend is the key store the server answers from.
type Backend interface {
	Lookup(ctx context.Context, service string, kid keys.KID) (vault.Hit, bool)
	AddKey(ctx context.Context, service string, kid keys.KID, key keys.ContentKey, excluding string) int
	Services(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, service string) (keys.Set, error)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Token  string          `json:"token"`
}

type rpcParams struct {
	KID       string  `json:"kid"`
	Key       string  `json:"key"`
	Service   string  `json:"service"`
	Title     *string `json:"title"`
	SessionID *string `json:"session_id"`
}

type rpcResponse struct {
	StatusCode int `json:"status_code"`
	Message    any `json:"message"`
}

type keyEntry struct {
	KID string `json:"kid"`
	Key string `json:"key"`
}

type handler struct {
	backend Backend
	apiKey  string
	logger  *slog.Logger
}

// New returns the vault protocol handler. An empty apiKey accepts any token.
func New(backend Backend, apiKey string, logger *slog.Logger) http.Handler {
	h := &handler{
		backend: backend,
		apiKey:  apiKey,
		logger:  logging.NewComponentLogger(logger, "vaultserver"),
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Post("/", h.dispatch)
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		ctx := logging.WithCorrelationID(r.Context(), middleware.GetReqID(r.Context()))
		logging.WithContext(ctx, h.logger).Debug("vault request",
			logging.String("remote", r.RemoteAddr),
			logging.Int("status", ww.Status()),
			logging.Duration("elapsed", time.Since(start)),
		)
	})
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.write(w, http.StatusBadRequest, "Malformed request")
		return
	}
	if !h.authorized(req.Token) {
		h.write(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	var params rpcParams
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			h.write(w, http.StatusBadRequest, "Malformed params")
			return
		}
	}
	session := ""
	if params.SessionID != nil {
		session = *params.SessionID
	}
	if session == "" {
		session = uuid.NewString()
	}

	ctx := r.Context()
	if params.Title != nil {
		ctx = vault.WithTitle(ctx, *params.Title)
	}
	service := strings.ToLower(strings.TrimSpace(params.Service))

	switch req.Method {
	case "GetKey":
		h.getKey(ctx, w, session, service, params)
	case "InsertKey":
		h.insertKey(ctx, w, session, service, params)
	case "GetKeys":
		h.getKeys(ctx, w, session, service)
	case "GetServices":
		h.getServices(ctx, w, session)
	default:
		h.write(w, http.StatusBadRequest, fmt.Sprintf("Unknown method %q", req.Method))
	}
}

func (h *handler) authorized(token string) bool {
	if h.apiKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) == 1
}

func (h *handler) getKey(ctx context.Context, w http.ResponseWriter, session, service string, params rpcParams) {
	kid, err := keys.ParseKID(params.KID)
	if err != nil || service == "" {
		h.write(w, http.StatusBadRequest, "GetKey requires kid and service")
		return
	}
	hit, ok := h.backend.Lookup(ctx, service, kid)
	if !ok {
		h.write(w, http.StatusOK, map[string]any{"status": "not_found", "session_id": session})
		return
	}
	h.write(w, http.StatusOK, map[string]any{
		"status":     "found",
		"keys":       []keyEntry{{KID: kid.String(), Key: hit.Key.String()}},
		"session_id": session,
	})
}

func (h *handler) insertKey(ctx context.Context, w http.ResponseWriter, session, service string, params rpcParams) {
	kid, err := keys.ParseKID(params.KID)
	if err != nil || service == "" {
		h.write(w, http.StatusBadRequest, "InsertKey requires kid, key and service")
		return
	}
	key, err := keys.ParseContentKey(params.Key)
	if err != nil || key.IsBlank() {
		h.write(w, http.StatusBadRequest, "InsertKey requires a non-blank key")
		return
	}
	if _, exists := h.backend.Lookup(ctx, service, kid); exists {
		h.write(w, http.StatusOK, map[string]any{"inserted": false, "session_id": session})
		return
	}
	cached := h.backend.AddKey(ctx, service, kid, key, "")
	h.write(w, http.StatusOK, map[string]any{"inserted": cached > 0, "session_id": session})
}

func (h *handler) getKeys(ctx context.Context, w http.ResponseWriter, session, service string) {
	if service == "" {
		h.write(w, http.StatusBadRequest, "GetKeys requires service")
		return
	}
	set, err := h.backend.Keys(ctx, service)
	if err != nil {
		h.write(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}
	entries := make([]keyEntry, 0, len(set))
	for _, kid := range set.SortedKIDs() {
		entries = append(entries, keyEntry{KID: kid.String(), Key: set[kid].String()})
	}
	h.write(w, http.StatusOK, map[string]any{"keys": entries, "session_id": session})
}

func (h *handler) getServices(ctx context.Context, w http.ResponseWriter, session string) {
	services, err := h.backend.Services(ctx)
	if err != nil {
		h.write(w, http.StatusInternalServerError, "Failed to list services")
		return
	}
	if services == nil {
		services = []string{}
	}
	h.write(w, http.StatusOK, map[string]any{"services": services, "session_id": session})
}

func (h *handler) write(w http.ResponseWriter, status int, message any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rpcResponse{StatusCode: status, Message: message}); err != nil {
		h.logger.Debug("write vault response failed", logging.Error(err))
	}
}
