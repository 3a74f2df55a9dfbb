package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/scout/internal/models"
)

// broadcastPageSize is the user page size for the fan-out loop.
const broadcastPageSize = 100

// handleBroadcasts handles GET and POST /api/broadcasts.
func (s *Server) handleBroadcasts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleBroadcastList(w, r)
	case http.MethodPost:
		s.handleBroadcastSend(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleBroadcastList(w http.ResponseWriter, r *http.Request) {
	page, limit := parsePagination(r)

	broadcasts, total, err := s.deps.Storage.Broadcasts().List(r.Context(), page, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list broadcasts")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"broadcasts": broadcasts,
		"pagination": NewPagination(page, limit, total),
	})
}

// handleBroadcastSend delivers a message to every user chat. Delivery is
// best-effort per user; failures are counted, not fatal.
func (s *Server) handleBroadcastSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Text string `json:"text"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}
	body.Text = strings.TrimSpace(body.Text)
	if body.Text == "" {
		WriteError(w, http.StatusBadRequest, "text is required")
		return
	}

	sent, failed := 0, 0
	for page := 1; ; page++ {
		users, _, err := s.deps.Storage.Users().List(ctx, page, broadcastPageSize)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to list users")
			return
		}
		if len(users) == 0 {
			break
		}

		for _, user := range users {
			if user.ChatID == "" {
				continue
			}
			if err := s.deps.Chat.SendMessage(ctx, user.ChatID, body.Text, "HTML"); err != nil {
				s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Broadcast delivery failed")
				failed++
				continue
			}
			sent++
		}

		if len(users) < broadcastPageSize {
			break
		}
	}

	broadcast := &models.Broadcast{
		ID:        uuid.New().String()[:8],
		Text:      body.Text,
		SentCount: sent,
		FailCount: failed,
		CreatedAt: time.Now(),
	}
	if err := s.deps.Storage.Broadcasts().Insert(ctx, broadcast); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record broadcast")
	}

	s.logger.Info().Int("sent", sent).Int("failed", failed).Msg("Broadcast delivered")
	WriteJSON(w, http.StatusOK, broadcast)
}
