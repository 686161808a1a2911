package fakeserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/merge"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

// PublishRequest is the body of POST /topics/{type}/{scope}.
type PublishRequest struct {
	Event   string             `json:"event"`
	Mode    string             `json:"mode"`
	Data    json.RawMessage    `json:"data,omitempty"`
	Changes []wire.DeltaChange `json:"changes,omitempty"`
}

// TopicResponse is the server's view of one topic.
type TopicResponse struct {
	Topic    string `json:"topic"`
	Value    any    `json:"value"`
	Checksum string `json:"checksum"`
}

// NewRouter mounts the websocket endpoint, the optional negotiate endpoint,
// the topic admin API and any extra handlers under their paths.
func NewRouter(s *Server, negotiate *NegotiateHandler, logger *zap.Logger, extra map[string]http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": s.hub.Count(),
			"scopes":  s.hub.ActiveScopes(),
		})
	})

	if negotiate != nil {
		r.Get("/negotiate", negotiate.HandleNegotiate)
	}
	r.Get("/ws", s.HandleWS)

	r.Route("/topics", func(r chi.Router) {
		r.Get("/", s.handleListTopics)
		r.Get("/{type}", s.handleGetTopic)
		r.Post("/{type}", s.handlePublish)
		r.Get("/{type}/{scope}", s.handleGetTopic)
		r.Post("/{type}/{scope}", s.handlePublish)
	})

	for path, h := range extra {
		r.Handle(path, h)
	}

	return r
}

func topicKey(r *http.Request) merge.TopicKey {
	return merge.TopicKey{Type: chi.URLParam(r, "type"), Scope: chi.URLParam(r, "scope")}
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	keys := s.store.Keys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": names})
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	key := topicKey(r)
	t, ok := s.store.Get(key)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown topic "+key.String())
		return
	}
	writeJSON(w, http.StatusOK, TopicResponse{Topic: key.String(), Value: t.Value(), Checksum: t.Checksum})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	key := topicKey(r)

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	var (
		t   merge.Topic
		err error
	)
	switch req.Mode {
	case wire.ModeFull, "":
		t, err = s.PublishFull(key, req.Event, req.Data)
	case wire.ModeIncremental:
		t, err = s.PublishDelta(key, req.Event, req.Changes)
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown mode "+req.Mode)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, TopicResponse{Topic: key.String(), Value: t.Value(), Checksum: t.Checksum})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryToken(r.URL.RawQuery)),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQueryToken masks the "access_token" parameter in a query string.
func maskQueryToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if token := values.Get("access_token"); token != "" {
		values.Set("access_token", maskToken(token))
	}
	var parts []string
	for k, vs := range values {
		for _, v := range vs {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}
