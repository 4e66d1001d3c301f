package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/repository"
)

type authContextKey string

const contextKeyWorkspace authContextKey = "queryvault-workspace"

// requireAPIKey resolves the X-API-Key header to a workspace before invoking
// the handler. The workspace rides on the request context.
func (r *Router) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := apiKey(req)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "api key required")
			return
		}
		ws, err := r.workspaces.GetWorkspaceByAPIKey(req.Context(), key)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.logger.Warn("invalid api key", "path", req.URL.Path)
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			r.logger.Error("api key lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyWorkspace, ws)
		next(w, req.WithContext(ctx))
	}
}

// workspaceFromContext extracts the authenticated workspace.
func workspaceFromContext(ctx context.Context) (*domain.Workspace, bool) {
	ws, ok := ctx.Value(contextKeyWorkspace).(*domain.Workspace)
	return ws, ok
}

// apiKey accepts the X-API-Key header or a Bearer token carrying the key.
func apiKey(req *http.Request) string {
	if key := strings.TrimSpace(req.Header.Get("X-API-Key")); key != "" {
		return key
	}
	parts := strings.Fields(req.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	// Browsers cannot set headers on websocket dials; allow a query param.
	return strings.TrimSpace(req.URL.Query().Get("api_key"))
}
