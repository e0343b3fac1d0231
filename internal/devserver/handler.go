package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-sparchat/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Development server: any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type StartConversationRequest struct {
	ParticipantID string `json:"participant_id"`
}

type CreateCombatRequest struct {
	OpponentID string     `json:"opponent_id"`
	Location   string     `json:"location"`
	Date       *time.Time `json:"date,omitempty"`
}

type RespondRequest struct {
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func pageFrom(r *http.Request) model.PageRequest {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return model.PageRequest{Page: page, Limit: limit}.Normalize()
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := s.auth.Register(r.Context(), &req)
	switch {
	case errors.Is(err, ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.auth.Login(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	res, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	page := pageFrom(r)

	convs, hasMore, err := s.repo.ListConversations(r.Context(), p.UserID, page)
	if err != nil {
		s.logger.Error("list conversations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, model.ListConversationsResponse{Conversations: convs, Page: page.Page, HasMore: hasMore})
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" || req.ParticipantID == p.UserID {
		writeError(w, http.StatusBadRequest, "participant_id must name another user")
		return
	}
	if _, err := s.repo.GetUserByID(r.Context(), req.ParticipantID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	id, err := s.repo.FindOrCreateConversation(r.Context(), p.UserID, req.ParticipantID)
	if err != nil {
		s.logger.Error("start conversation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) roomMessages(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		roomID := chi.URLParam(r, "id")
		page := pageFrom(r)

		ok, err := s.repo.IsParticipant(r.Context(), kind, roomID, p.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "not a participant")
			return
		}

		msgs, hasMore, err := s.repo.ListMessages(r.Context(), kind, roomID, page)
		if err != nil {
			s.logger.Error("list messages failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
		if msgs == nil {
			msgs = []model.Message{}
		}
		writeJSON(w, http.StatusOK, model.ListMessagesResponse{Messages: msgs, Page: page.Page, HasMore: hasMore})
	}
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	users, err := s.repo.SearchUsers(r.Context(), q, PrincipalFrom(r.Context()).UserID)
	if err != nil {
		s.logger.Error("search users failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to search users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleCreateCombat schedules a combat and invites the opponent.
func (s *Server) handleCreateCombat(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req CreateCombatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OpponentID == "" || req.OpponentID == p.UserID {
		writeError(w, http.StatusBadRequest, "opponent_id must name another user")
		return
	}
	inviter, err := s.repo.GetUserByID(r.Context(), p.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	if _, err := s.repo.GetUserByID(r.Context(), req.OpponentID); err != nil {
		writeError(w, http.StatusNotFound, "opponent not found")
		return
	}

	combat, err := s.repo.CreateCombat(r.Context(), &Combat{
		InviterID:   p.UserID,
		OpponentID:  req.OpponentID,
		Location:    strings.TrimSpace(req.Location),
		ScheduledAt: req.Date,
	})
	if err != nil {
		s.logger.Error("create combat failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create combat")
		return
	}

	invitation := model.Invitation{
		ID:       combat.ID,
		CombatID: combat.ID,
		From:     &model.Participant{ID: inviter.ID, DisplayName: inviter.DisplayName},
		Date:     combat.ScheduledAt,
		Location: combat.Location,
	}
	// Both event names are in use by clients; a relay must collapse them.
	for _, event := range []string{model.EventCombatInvitation, model.EventNewCombatInvitation} {
		if frame, err := encodeFrame(event, invitation); err == nil {
			s.hub.Publish(r.Context(), Delivery{UserID: req.OpponentID, Frame: frame})
		}
	}
	writeJSON(w, http.StatusCreated, combat)
}

// handleRespond accepts or declines an invitation and notifies the inviter.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		(req.Status != model.ResponseAccepted && req.Status != model.ResponseDeclined) {
		writeError(w, http.StatusBadRequest, "status must be accepted or declined")
		return
	}

	combat, err := s.repo.GetCombat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invitation not found")
		return
	}
	if combat.OpponentID != p.UserID {
		writeError(w, http.StatusForbidden, "only the invited boxer can respond")
		return
	}
	if err := s.repo.UpdateCombatStatus(r.Context(), combat.ID, req.Status); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to respond")
		return
	}

	responder, err := s.repo.GetUserByID(r.Context(), p.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to respond")
		return
	}
	frame, err := encodeFrame(model.EventCombatResponse, model.InvitationResponse{
		InvitationID: combat.ID,
		CombatID:     combat.ID,
		Status:       req.Status,
		Responder:    &model.Participant{ID: responder.ID, DisplayName: responder.DisplayName},
	})
	if err == nil {
		s.hub.Publish(r.Context(), Delivery{UserID: combat.InviterID, Frame: frame})
	}
	combat.Status = req.Status
	writeJSON(w, http.StatusOK, combat)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// serveWs upgrades an authenticated request and starts the client pumps.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		server:    s,
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    p.UserID,
		username:  p.Username,
		expiresAt: p.ExpiresAt,
		rooms:     make(map[string]bool),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
