package server

import (
	"net/http"
	"strings"
)

// handleUserList handles GET /api/users?page&limit.
func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	page, limit := parsePagination(r)

	users, total, err := s.deps.Storage.Users().List(ctx, page, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	out := make([]map[string]interface{}, 0, len(users))
	for _, user := range users {
		active, subTotal := 0, 0
		if subs, err := s.deps.Storage.Subscriptions().ListByUser(ctx, user.ID); err == nil {
			subTotal = len(subs)
			for _, sub := range subs {
				if sub.Eligible() {
					active++
				}
			}
		}
		out = append(out, map[string]interface{}{
			"user":                 user,
			"subscriptions_total":  subTotal,
			"subscriptions_active": active,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"users":      out,
		"pagination": NewPagination(page, limit, total),
	})
}

// handleUserDetail handles GET /api/users/{id}.
func (s *Server) handleUserDetail(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	id := strings.TrimPrefix(r.URL.Path, "/api/users/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	user, err := s.deps.Storage.Users().Get(ctx, id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}
	if user == nil {
		WriteError(w, http.StatusNotFound, "User not found")
		return
	}

	subs, err := s.deps.Storage.Subscriptions().ListByUser(ctx, id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load subscriptions")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":          user,
		"subscriptions": subs,
	})
}
