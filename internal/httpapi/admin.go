package httpapi

import (
	"net/http"

	"lapancomido/api/internal/model"
)

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	claims := claimsFromContext(r.Context())
	if !model.Role(claims.Role).CanAdminister() {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.internalError(w, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}
