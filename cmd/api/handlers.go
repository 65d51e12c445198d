package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskmarket/auth"
	"taskmarket/inbox"
	"taskmarket/platform"
	"taskmarket/portfolio"
	"taskmarket/profile"
	"taskmarket/transaction"
)

// handleInbox serves everything under /api/inbox/.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/inbox/"), "/")
	switch {
	case rest == "":
		writeError(w, http.StatusBadRequest, "tab is required")
	case rest == "unread-count":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleUnreadCount(w, r)
	case rest == "viewed":
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		viewerID, _ := viewerFrom(r.Context())
		s.inboxService.ClearViewed(r.Context(), viewerID)
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(rest, "viewed/"):
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		// transaction ids are platform uuids
		txID, err := uuid.Parse(strings.TrimPrefix(rest, "viewed/"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid transaction id")
			return
		}
		viewerID, _ := viewerFrom(r.Context())
		s.inboxService.MarkViewed(r.Context(), viewerID, txID.String())
		w.WriteHeader(http.StatusNoContent)
	default:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleInboxList(w, r, rest)
	}
}

func (s *Server) handleInboxList(w http.ResponseWriter, r *http.Request, tab string) {
	q := r.URL.Query()
	page := 1
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = n
	}

	viewerID, token := viewerFrom(r.Context())
	result, err := s.inboxService.List(r.Context(), token, viewerID, inbox.Query{
		Tab:    tab,
		SubTab: q.Get("subtab"),
		Page:   page,
		Sort:   q.Get("sort"),
	})
	if err != nil {
		s.fail(w, "inbox list", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	tab := r.URL.Query().Get("tab")
	if tab == "" {
		tab = inbox.TabOrders
	}
	viewerID, token := viewerFrom(r.Context())
	count, err := s.inboxService.UnreadCount(r.Context(), token, viewerID, tab)
	if err != nil {
		s.fail(w, "inbox unread count", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tab": tab, "count": count})
}

type profileUpdateRequest struct {
	FirstName   string         `json:"firstName"`
	LastName    string         `json:"lastName"`
	DisplayName string         `json:"displayName"`
	Bio         string         `json:"bio"`
	UserType    string         `json:"userType"`
	UserFields  map[string]any `json:"userFields"`
}

type profileResponse struct {
	User              platform.User      `json:"user"`
	ServiceCategories []profile.Category `json:"serviceCategories"`
}

// handleUpdateProfile applies a partial update: custom fields absent from
// the request keep their stored values.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req profileUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	userType, _ := r.Context().Value(ctxKeyUserType).(string)
	if userType == "" {
		userType = req.UserType
	}
	ext, err := s.schema.PlaceUpdate(userType, req.UserFields)
	if err != nil {
		s.fail(w, "profile update", err)
		return
	}
	if userType != "" {
		ext.Public["userType"] = userType
	}

	_, token := viewerFrom(r.Context())
	user, err := s.accounts.UpdateCurrentUserProfile(r.Context(), token, platform.ProfilePatch{
		FirstName:     strings.TrimSpace(req.FirstName),
		LastName:      strings.TrimSpace(req.LastName),
		DisplayName:   strings.TrimSpace(req.DisplayName),
		Bio:           req.Bio,
		PublicData:    ext.Public,
		ProtectedData: ext.Protected,
		PrivateData:   ext.Private,
	})
	if err != nil {
		s.fail(w, "profile update", err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		User:              user,
		ServiceCategories: s.schema.ServiceCategories(user.Attributes.Profile.PublicData),
	})
}

func (s *Server) handleAddPortfolioItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var params portfolio.AddParams
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if !s.ownsPortfolio(w, r, params.UserID) {
		return
	}

	result, err := s.portfolioService.Add(r.Context(), params)
	if err != nil {
		s.fail(w, "add portfolio item", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRemovePortfolioItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var params portfolio.RemoveParams
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if !s.ownsPortfolio(w, r, params.UserID) {
		return
	}

	result, err := s.portfolioService.Remove(r.Context(), params)
	if err != nil {
		s.fail(w, "remove portfolio item", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ownsPortfolio rejects changes to another user's portfolio. A missing
// userId is left to the service so it reports a validation error.
func (s *Server) ownsPortfolio(w http.ResponseWriter, r *http.Request, userID string) bool {
	viewerID, _ := viewerFrom(r.Context())
	if userID != "" && userID != viewerID {
		writeError(w, http.StatusForbidden, "cannot modify another user's portfolio")
		return false
	}
	return true
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/portfolio/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	items, err := s.portfolioService.List(r.Context(), userID)
	if err != nil {
		s.fail(w, "list portfolio", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"portfolioItems": items})
}

func (s *Server) handleTransitionPrivileged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req transaction.PrivilegedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	viewerID, _ := viewerFrom(r.Context())
	result, err := s.transitionService.TransitionPrivileged(r.Context(), viewerID, req)
	if err != nil {
		s.fail(w, "transition privileged", err)
		return
	}
	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

type statsResponse struct {
	Data  transaction.Stats `json:"data"`
	Error string            `json:"error,omitempty"`
}

func (s *Server) handlePlatformStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.statsService.Compute(r.Context())
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, transaction.ErrStatsUnavailable) {
			status = http.StatusInternalServerError
		}
		s.log().Error("platform stats", zap.Error(err))
		writeJSON(w, status, statsResponse{Error: "failed to fetch platform stats"})
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Data: stats})
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.SendOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := s.authService.SendEmailOTP(r.Context(), req)
	if err != nil {
		var cooldown *auth.CooldownError
		if errors.As(err, &cooldown) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       cooldown.Error(),
				"waitSeconds": cooldown.WaitSeconds(),
			})
			return
		}
		s.fail(w, "send email otp", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.VerifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := s.authService.VerifyEmailOTP(r.Context(), req)
	if err != nil {
		s.fail(w, "verify email otp", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := s.authService.Signup(r.Context(), req)
	if err != nil {
		s.fail(w, "signup", err)
		return
	}
	s.events.SignupCompleted(r.Context(), result.UserType, result.Method)
	writeJSON(w, http.StatusCreated, result)
}

type eventRequest struct {
	Name  string          `json:"name"`
	Props json.RawMessage `json:"props"`
}

// handleEvents relays browser events that have no server-side trigger.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.events.Relay(r.Context(), req.Name, req.Props); err != nil {
		s.fail(w, "relay event", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
