package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/gorilla/mux"
)

// createBusinessRequest is the body of POST /businesses.
type createBusinessRequest struct {
	Name           string `json:"name" validate:"required"`
	Email          string `json:"email" validate:"omitempty,email"`
	PhoneNumber    string `json:"phoneNumber"`
	WhatsAppNumber string `json:"whatsappNumber"`
	BusinessType   string `json:"businessType"`
	Timezone       string `json:"timezone"`
}

// createBusinessResponse returns the generated API key once, at creation.
type createBusinessResponse struct {
	Business *models.Business `json:"business"`
	APIKey   string           `json:"apiKey"`
}

// updateProfileRequest is the body of PUT /businesses/{businessID}/profile.
// Absent fields keep their stored value.
type updateProfileRequest struct {
	Tone             *string           `json:"tone"`
	Services         *[]models.Service `json:"services" validate:"omitempty,dive"`
	About            *string           `json:"about"`
	Instructions     *string           `json:"instructions"`
	Notes            *string           `json:"notes"`
	Website          *string           `json:"website" validate:"omitempty,url"`
	HoursOfOperation *string           `json:"hoursOfOperation"`
	Timezone         *string           `json:"timezone"`
	BusinessType     *string           `json:"businessType"`
}

type scrapeRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type connectWhatsAppRequest struct {
	Code          string `json:"code" validate:"required"`
	WABAID        string `json:"wabaId" validate:"required"`
	PhoneNumberID string `json:"phoneNumberId"`
}

type updateTaskRequest struct {
	Status models.TaskStatus `json:"status" validate:"required"`
}

func validTimezone(tz string) bool {
	if tz == "" {
		return true
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// createBusinessHandler handles POST /businesses.
func (s *Server) createBusinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req createBusinessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !validTimezone(req.Timezone) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid timezone"))
		return
	}
	business := &models.Business{
		Name:           req.Name,
		Email:          req.Email,
		PhoneNumber:    req.PhoneNumber,
		WhatsAppNumber: req.WhatsAppNumber,
		BusinessType:   req.BusinessType,
		Timezone:       req.Timezone,
	}
	if err := s.st.CreateBusiness(r.Context(), business); err != nil {
		writeError(w, err, "Failed to create business")
		return
	}
	// Creates and stores the default profile.
	if _, err := s.profiles.GetProfileByBusinessID(r.Context(), business.ID); err != nil {
		slog.Warn("Server.createBusinessHandler: default profile not created", "businessID", business.ID, "error", err)
	}
	slog.Info("Server.createBusinessHandler: business created", "businessID", business.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(createBusinessResponse{Business: business, APIKey: business.APIKey}))
}

// getProfileHandler handles GET /businesses/{businessID}/profile.
func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	businessID := mux.Vars(r)["businessID"]
	if _, err := s.st.GetBusiness(r.Context(), businessID); err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	profile, err := s.profiles.GetProfileByBusinessID(r.Context(), businessID)
	if err != nil {
		writeError(w, err, "Failed to load profile")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

// updateProfileHandler handles PUT /businesses/{businessID}/profile.
func (s *Server) updateProfileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	businessID := mux.Vars(r)["businessID"]
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if req.Timezone != nil && !validTimezone(*req.Timezone) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid timezone"))
		return
	}
	if _, err := s.st.GetBusiness(r.Context(), businessID); err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	profile, err := s.profiles.GetProfileByBusinessID(r.Context(), businessID)
	if err != nil {
		writeError(w, err, "Failed to load profile")
		return
	}
	applyString(&profile.Tone, req.Tone)
	applyString(&profile.About, req.About)
	applyString(&profile.Instructions, req.Instructions)
	applyString(&profile.Notes, req.Notes)
	applyString(&profile.Website, req.Website)
	applyString(&profile.HoursOfOperation, req.HoursOfOperation)
	applyString(&profile.Timezone, req.Timezone)
	applyString(&profile.BusinessType, req.BusinessType)
	if req.Services != nil {
		profile.Services = *req.Services
	}
	if err := s.profiles.SaveProfile(r.Context(), profile); err != nil {
		writeError(w, err, "Failed to save profile")
		return
	}
	slog.Info("Server.updateProfileHandler: profile updated", "businessID", businessID)
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// scrapeProfileHandler handles POST /businesses/{businessID}/profile/scrape.
func (s *Server) scrapeProfileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if s.opts.Summarizer == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Website import is not configured"))
		return
	}
	businessID := mux.Vars(r)["businessID"]
	var req scrapeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if _, err := s.st.GetBusiness(r.Context(), businessID); err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	profile, err := s.profiles.GetProfileByBusinessID(r.Context(), businessID)
	if err != nil {
		writeError(w, err, "Failed to load profile")
		return
	}
	summary, err := s.opts.Summarizer.Summarize(r.Context(), req.URL)
	if err != nil {
		slog.Error("Server.scrapeProfileHandler: summarize failed", "businessID", businessID, "url", req.URL, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to import website"))
		return
	}
	profile.About = summary
	if profile.Website == "" {
		profile.Website = req.URL
	}
	if err := s.profiles.SaveProfile(r.Context(), profile); err != nil {
		writeError(w, err, "Failed to save profile")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

// connectWhatsAppHandler handles POST /businesses/{businessID}/whatsapp/connect.
func (s *Server) connectWhatsAppHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if s.opts.WhatsApp == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("WhatsApp signup is not configured"))
		return
	}
	businessID := mux.Vars(r)["businessID"]
	var req connectWhatsAppRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	business, err := s.opts.WhatsApp.ConnectBusiness(r.Context(), s.st, businessID, req.Code, req.WABAID, req.PhoneNumberID)
	if err != nil {
		if errors.Is(err, models.ErrBusinessNotFound) {
			writeError(w, err, "")
			return
		}
		slog.Error("Server.connectWhatsAppHandler: connect failed", "businessID", businessID, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to connect WhatsApp"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(business))
}

// googleAuthURLHandler handles GET /oauth/google/url?businessId=.
func (s *Server) googleAuthURLHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil || !s.opts.OAuth.Configured() {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Google Calendar is not configured"))
		return
	}
	businessID := r.URL.Query().Get("businessId")
	if businessID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("businessId is required"))
		return
	}
	if _, err := s.st.GetBusiness(r.Context(), businessID); err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"url": s.opts.OAuth.AuthCodeURL(businessID)}))
}

// googleCallbackHandler handles GET /oauth/google/callback?code=&state=.
func (s *Server) googleCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil || !s.opts.OAuth.Configured() {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Google Calendar is not configured"))
		return
	}
	q := r.URL.Query()
	code, businessID := q.Get("code"), q.Get("state")
	if code == "" || businessID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("code and state are required"))
		return
	}
	if _, err := s.st.GetBusiness(r.Context(), businessID); err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	refreshToken, err := s.opts.OAuth.Exchange(r.Context(), code)
	if err != nil {
		slog.Error("Server.googleCallbackHandler: exchange failed", "businessID", businessID, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to connect Google Calendar"))
		return
	}
	if err := s.st.UpdateCalendarToken(r.Context(), businessID, refreshToken); err != nil {
		writeError(w, err, "Failed to store calendar token")
		return
	}
	slog.Info("Server.googleCallbackHandler: calendar connected", "businessID", businessID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Google Calendar connected", nil))
}

// listThreadsHandler handles GET /businesses/{businessID}/threads.
func (s *Server) listThreadsHandler(w http.ResponseWriter, r *http.Request) {
	businessID := mux.Vars(r)["businessID"]
	if _, err := s.st.GetBusiness(r.Context(), businessID); err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	threads, err := s.st.ListThreads(r.Context(), businessID)
	if err != nil {
		writeError(w, err, "Failed to list threads")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(threads))
}

// listBookingsHandler handles GET /businesses/{businessID}/bookings.
func (s *Server) listBookingsHandler(w http.ResponseWriter, r *http.Request) {
	businessID := mux.Vars(r)["businessID"]
	if _, err := s.st.GetBusiness(r.Context(), businessID); err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	bookings, err := s.st.ListBookings(r.Context(), businessID)
	if err != nil {
		writeError(w, err, "Failed to list bookings")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(bookings))
}

// listTasksHandler handles GET /businesses/{businessID}/tasks.
func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	businessID := mux.Vars(r)["businessID"]
	if _, err := s.st.GetBusiness(r.Context(), businessID); err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	tasks, err := s.st.ListTasks(r.Context(), businessID)
	if err != nil {
		writeError(w, err, "Failed to list tasks")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

// updateTaskHandler handles PATCH /tasks/{taskID}.
func (s *Server) updateTaskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	taskID := mux.Vars(r)["taskID"]
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !models.IsValidTaskStatus(req.Status) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid task status"))
		return
	}
	if err := s.st.UpdateTaskStatus(r.Context(), taskID, req.Status); err != nil {
		writeError(w, err, "Failed to update task")
		return
	}
	task, err := s.st.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err, "Failed to load task")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(task))
}
