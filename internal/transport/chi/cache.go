package chi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	chirouter "github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// cacheRoutes mounts the memoization cache endpoints. Values travel base64
// encoded so callers can store arbitrary bytes.
func (s *Server) cacheRoutes(r chirouter.Router) {
	r.Route("/cache", func(r chirouter.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Get("/{namespace}/{key}", s.handleCacheGet)
		r.Put("/{namespace}/{key}", s.handleCachePut)
		r.Delete("/{namespace}/{key}", s.handleCacheDelete)
	})
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	namespace := chirouter.URLParam(r, "namespace")
	key := chirouter.URLParam(r, "key")
	typ := r.URL.Query().Get("type")
	if typ == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "type query parameter is required")
		return
	}

	value, ok := s.cache.Get(namespace, key, typ)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "cache miss")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"type":  typ,
		"value": base64.StdEncoding.EncodeToString(value),
	})
}

type cachePutRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"` // base64
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	var req cachePutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "type is required")
		return
	}
	value, err := base64.StdEncoding.DecodeString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "value must be base64")
		return
	}

	namespace := chirouter.URLParam(r, "namespace")
	key := chirouter.URLParam(r, "key")
	if err := s.cache.Set(namespace, key, req.Type, value); err != nil {
		s.logger.Error("cache write failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "cache write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	s.cache.Delete(chirouter.URLParam(r, "namespace"), chirouter.URLParam(r, "key"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Snapshot())
}
