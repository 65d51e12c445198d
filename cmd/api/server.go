package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"taskmarket/analytics"
	"taskmarket/auth"
	"taskmarket/inbox"
	"taskmarket/metrics"
	"taskmarket/platform"
	"taskmarket/portfolio"
	"taskmarket/profile"
	"taskmarket/transaction"
)

type ctxKey string

const (
	ctxKeyUserID   ctxKey = "userID"
	ctxKeyUserType ctxKey = "userType"
	ctxKeyToken    ctxKey = "userToken"
)

const maxBodyBytes = 1 << 20

type inboxService interface {
	List(ctx context.Context, userToken, viewerID string, q inbox.Query) (inbox.Page, error)
	UnreadCount(ctx context.Context, userToken, viewerID, tab string) (int, error)
	MarkViewed(ctx context.Context, viewerID, txID string)
	ClearViewed(ctx context.Context, viewerID string)
}

type portfolioService interface {
	Add(ctx context.Context, params portfolio.AddParams) (portfolio.Result, error)
	Remove(ctx context.Context, params portfolio.RemoveParams) (portfolio.Result, error)
	List(ctx context.Context, userID string) ([]portfolio.Item, error)
}

type transitionService interface {
	TransitionPrivileged(ctx context.Context, viewerID string, req transaction.PrivilegedRequest) (platform.TransitionResult, error)
}

type statsService interface {
	Compute(ctx context.Context) (transaction.Stats, error)
}

type authService interface {
	SendEmailOTP(ctx context.Context, req auth.SendOTPRequest) (auth.SendOTPResult, error)
	VerifyEmailOTP(ctx context.Context, req auth.VerifyOTPRequest) (auth.VerifyOTPResult, error)
	Signup(ctx context.Context, req auth.SignupRequest) (auth.SignupResult, error)
}

// accountService resolves and updates the user behind a forwarded token.
type accountService interface {
	CurrentUser(ctx context.Context, userToken string) (platform.User, error)
	UpdateCurrentUserProfile(ctx context.Context, userToken string, patch platform.ProfilePatch) (platform.User, error)
}

type Server struct {
	inboxService      inboxService
	portfolioService  portfolioService
	transitionService transitionService
	statsService      statsService
	authService       authService
	accounts          accountService
	schema            *profile.Schema
	events            *analytics.Tracker
	metrics           *metrics.Metrics
	otpLimiter        *ipLimiter
	trustedProxies    []netip.Prefix
	logger            *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// routes wires every endpoint onto a mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.metrics.Instrument(pattern, h))
	}

	handle("/api/inbox/", s.requireUser(s.handleInbox))
	handle("/api/profile", s.requireUser(s.handleUpdateProfile))
	handle("/api/add-portfolio-item", s.requireUser(s.handleAddPortfolioItem))
	handle("/api/remove-portfolio-item", s.requireUser(s.handleRemovePortfolioItem))
	handle("/api/portfolio/", s.handlePortfolio)
	handle("/api/transition-privileged", s.requireUser(s.handleTransitionPrivileged))
	handle("/api/platform-stats", s.handlePlatformStats)
	handle("/api/auth/email-otp/send", s.limitOTP(s.handleSendOTP))
	handle("/api/auth/email-otp/verify", s.limitOTP(s.handleVerifyOTP))
	handle("/api/auth/signup", s.handleSignup)
	handle("/api/events", s.handleEvents)
	handle("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// requireUser resolves the bearer token to a platform user.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.accounts.CurrentUser(r.Context(), token)
		if err != nil {
			status := platform.StatusOf(err)
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			s.log().Error("resolve current user", zap.Error(err))
			writeError(w, status, "could not resolve user")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, user.ID)
		ctx = context.WithValue(ctx, ctxKeyToken, token)
		if userType, ok := user.Attributes.Profile.PublicData["userType"].(string); ok {
			ctx = context.WithValue(ctx, ctxKeyUserType, userType)
		}
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) limitOTP(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.otpLimiter.Allow(s.clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func viewerFrom(ctx context.Context) (userID, token string) {
	userID, _ = ctx.Value(ctxKeyUserID).(string)
	token, _ = ctx.Value(ctxKeyToken).(string)
	return userID, token
}

// clientIP returns the peer address, or the nearest address left of a
// trusted proxy chain in X-Forwarded-For when the peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	peer := remoteAddr(r)
	if !s.trusted(peer) {
		return peer.String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop.Unmap()
		if !s.trusted(client) {
			break
		}
	}
	return client.String()
}

func (s *Server) trusted(addr netip.Addr) bool {
	for _, prefix := range s.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(r *http.Request) netip.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		fieldErr    *profile.FieldError
		cooldownErr *auth.CooldownError
	)
	switch {
	case errors.As(err, &cooldownErr), errors.Is(err, auth.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.As(err, &fieldErr),
		errors.Is(err, profile.ErrUnknownUserType),
		errors.Is(err, inbox.ErrInvalidTab),
		errors.Is(err, portfolio.ErrUserIDRequired),
		errors.Is(err, portfolio.ErrImagesRequired),
		errors.Is(err, portfolio.ErrTooManyImages),
		errors.Is(err, portfolio.ErrInvalidImage),
		errors.Is(err, portfolio.ErrItemIDRequired),
		errors.Is(err, transaction.ErrIDRequired),
		errors.Is(err, transaction.ErrTransitionRequired),
		errors.Is(err, transaction.ErrUnknownTransition),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrInvalidCode),
		errors.Is(err, auth.ErrCodeMismatch),
		errors.Is(err, auth.ErrChallengeInvalid),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrNameRequired),
		errors.Is(err, auth.ErrEmailMismatch),
		errors.Is(err, analytics.ErrUnknownEvent),
		errors.Is(err, analytics.ErrInvalidProps):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrVerificationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, transaction.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, portfolio.ErrItemNotFound):
		return http.StatusNotFound
	default:
		return platform.StatusOf(err)
	}
}

// fail writes err with its mapped status. Server-side failures are logged
// and their detail withheld.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log().Error(op, zap.Error(err))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

const maxLimitedClients = 10_000

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter hands out one token bucket per client address. Buckets idle
// long enough to refill completely are dropped.
type ipLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	idle       time.Duration
	maxEntries int
	now        func() time.Time
	lastSweep  time.Time
	limiters   map[string]*limiterEntry
}

func newIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &ipLimiter{
		limit:      rate.Every(time.Minute / time.Duration(perMinute)),
		burst:      perMinute,
		idle:       time.Minute,
		maxEntries: maxLimitedClients,
		now:        time.Now,
		limiters:   make(map[string]*limiterEntry),
	}
}

// Allow reports whether ip may make another call. A nil limiter allows
// everything. New addresses are refused while the table is full of busy ones.
func (l *ipLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	entry, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= l.maxEntries {
			l.sweep(now)
			if len(l.limiters) >= l.maxEntries {
				return false
			}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *ipLimiter) sweep(now time.Time) {
	for ip, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= l.idle {
			delete(l.limiters, ip)
		}
	}
	l.lastSweep = now
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
