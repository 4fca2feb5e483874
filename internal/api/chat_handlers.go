package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/gorilla/mux"
)

// startChatRequest is the body of POST /chat.
type startChatRequest struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email" validate:"required,email"`
	Phone   string `json:"phone"`
	Message string `json:"message" validate:"required"`
}

// continueChatRequest is the body of POST /chat/{threadID}.
type continueChatRequest struct {
	Message string `json:"message" validate:"required"`
}

// chatResponse is returned by both chat endpoints.
type chatResponse struct {
	ThreadID string `json:"threadId"`
	Response string `json:"response"`
}

// businessFromAPIKey resolves the business of the request's bearer API key.
func (s *Server) businessFromAPIKey(r *http.Request) (*models.Business, error) {
	key := bearerToken(r)
	if key == "" {
		return nil, models.ErrInvalidAPIKey
	}
	business, err := s.st.GetBusinessByAPIKey(r.Context(), key)
	if errors.Is(err, models.ErrBusinessNotFound) {
		return nil, models.ErrInvalidAPIKey
	}
	return business, err
}

// startChatHandler handles POST /chat: a website visitor opens a conversation.
func (s *Server) startChatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	business, err := s.businessFromAPIKey(r)
	if err != nil {
		writeError(w, err, "Failed to authenticate")
		return
	}
	var req startChatRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.startChatHandler: invalid request", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx := r.Context()
	phone := req.Phone
	if phone == "" {
		phone = models.DefaultWebChatPhone
	}
	client := &models.Client{BusinessID: business.ID, Name: req.Name, Email: req.Email, Phone: phone}
	if req.Phone != "" {
		if client, err = findOrCreateClient(ctx, s.st, business.ID, req.Phone, req.Name); err != nil {
			writeError(w, err, "Failed to create client")
			return
		}
	} else if err := s.st.CreateClient(ctx, client); err != nil {
		writeError(w, err, "Failed to create client")
		return
	}
	thread := &models.Thread{BusinessID: business.ID, ClientID: client.ID, Status: models.ThreadStatusActive}
	if err := s.st.CreateThread(ctx, thread); err != nil {
		writeError(w, err, "Failed to create thread")
		return
	}
	slog.Info("Server.startChatHandler: web chat started", "businessID", business.ID, "threadID", thread.ID)

	text := fmt.Sprintf("Sender Name: %s\nMessage: %s", req.Name, req.Message)
	reply, err := s.runWebTurn(ctx, business.ID, client.ID, thread.ID, text)
	if err != nil {
		writeError(w, err, "Failed to get a response")
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(chatResponse{ThreadID: thread.ID, Response: reply}))
}

// continueChatHandler handles POST /chat/{threadID}.
func (s *Server) continueChatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	business, err := s.businessFromAPIKey(r)
	if err != nil {
		writeError(w, err, "Failed to authenticate")
		return
	}
	threadID := mux.Vars(r)["threadID"]
	var req continueChatRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.continueChatHandler: invalid request", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx := r.Context()
	thread, err := s.st.GetThread(ctx, threadID)
	if err != nil {
		writeError(w, err, "Failed to load thread")
		return
	}
	if thread.BusinessID != business.ID {
		// Threads of other businesses are indistinguishable from missing ones.
		writeError(w, models.ErrThreadNotFound, "Failed to load thread")
		return
	}

	reply, err := s.runWebTurn(ctx, business.ID, thread.ClientID, thread.ID, req.Message)
	if err != nil {
		writeError(w, err, "Failed to get a response")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(chatResponse{ThreadID: thread.ID, Response: reply}))
}

// runWebTurn logs both sides of a web chat turn and counts API usage.
func (s *Server) runWebTurn(ctx context.Context, businessID, clientID, threadID, text string) (string, error) {
	logChatMessage(ctx, s.st, &models.ChatMessage{
		BusinessID: businessID, ClientID: clientID, ThreadID: threadID,
		Direction: models.DirectionInbound, Channel: models.ChannelWebChat, Body: text,
	})
	reply, err := s.turns.HandleTurn(ctx, threadID, text)
	if err != nil {
		getMetrics().inbound.WithLabelValues(string(models.ChannelWebChat), "failed").Inc()
		return "", err
	}
	getMetrics().inbound.WithLabelValues(string(models.ChannelWebChat), "replied").Inc()
	logChatMessage(ctx, s.st, &models.ChatMessage{
		BusinessID: businessID, ClientID: clientID, ThreadID: threadID,
		Direction: models.DirectionOutbound, Channel: models.ChannelWebChat, Body: reply,
	})
	if err := s.st.IncrementAPIUsage(ctx, businessID); err != nil {
		slog.Warn("Server.runWebTurn: failed to count API usage", "businessID", businessID, "error", err)
	}
	return reply, nil
}
