package fakeserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/auth"
)

// NegotiateResponse hands a client its credential and websocket endpoint.
type NegotiateResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	URL       string    `json:"url"`
}

// NegotiateHandler exchanges an API key for a signed session token.
type NegotiateHandler struct {
	issuer  *auth.Issuer
	apiKeys map[string]bool
	logger  *zap.Logger
}

// NewNegotiateHandler creates a NegotiateHandler. With no apiKeys every key
// is accepted.
func NewNegotiateHandler(issuer *auth.Issuer, apiKeys []string, logger *zap.Logger) *NegotiateHandler {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys[k] = true
		}
	}
	return &NegotiateHandler{issuer: issuer, apiKeys: keys, logger: logger}
}

// IssuerAuthenticator validates tokens signed by issuer.
func IssuerAuthenticator(issuer *auth.Issuer) Authenticator {
	return func(token string) (string, error) {
		claims, err := issuer.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
}

// HandleNegotiate handles GET /negotiate.
// Accepts the API key as "Authorization: Basic <API_KEY>". Optional role and
// event query parameters end up in the token claims.
func (h *NegotiateHandler) HandleNegotiate(w http.ResponseWriter, r *http.Request) {
	var apiKey string
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Basic "); ok {
		apiKey = strings.TrimSpace(key)
	}

	if apiKey == "" {
		h.logger.Debug("negotiate request missing authorization")
		writeJSONError(w, http.StatusUnauthorized, "missing authorization")
		return
	}
	if len(h.apiKeys) > 0 && !h.apiKeys[apiKey] {
		h.logger.Info("negotiate request with unknown api key", zap.String("apiKey", maskToken(apiKey)))
		writeJSONError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	role := r.URL.Query().Get("role")
	if role == "" {
		role = "guest"
	}
	token, expires, err := h.issuer.Issue(maskToken(apiKey), role, r.URL.Query().Get("event"))
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	response := NegotiateResponse{
		Token:     token,
		ExpiresAt: expires,
		URL:       fmt.Sprintf("%s://%s/ws", scheme, r.Host),
	}

	h.logger.Debug("negotiate successful",
		zap.String("apiKey", maskToken(apiKey)),
		zap.String("role", role),
	)

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
