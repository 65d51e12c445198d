package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"taskmarket/metrics"
	"taskmarket/platform"
	"taskmarket/profile"
)

var (
	// ErrInvalidEmail signals an address that does not parse.
	ErrInvalidEmail = errors.New("auth: invalid email")
	// ErrInvalidCode signals a code that is not six digits.
	ErrInvalidCode = errors.New("auth: code must be 6 digits")
	// ErrChallengeInvalid signals a tampered, expired or foreign challenge token.
	ErrChallengeInvalid = errors.New("auth: invalid or expired challenge")
	// ErrCodeMismatch signals a well-formed code that does not match the challenge.
	ErrCodeMismatch = errors.New("auth: code does not match")
	// ErrTooManyAttempts signals a challenge whose verification attempts are spent.
	ErrTooManyAttempts = errors.New("auth: too many attempts, request a new code")
	// ErrVerificationRequired signals an email signup without a valid verified token.
	ErrVerificationRequired = errors.New("auth: email verification required")
	// ErrEmailMismatch signals a verified token issued for another address.
	ErrEmailMismatch = errors.New("auth: verified email does not match")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrNameRequired signals missing first or last name.
	ErrNameRequired = errors.New("auth: first and last name are required")
	// ErrMissingSecret signals a service built without a signing secret.
	ErrMissingSecret = errors.New("auth: signing secret not configured")
)

const (
	DefaultCooldown    = 60 * time.Second
	DefaultOTPTTL      = 10 * time.Minute
	DefaultVerifiedTTL = 30 * time.Minute

	// MaxVerifyAttempts bounds how many codes may be tried per challenge.
	MaxVerifyAttempts = 5
)

// UserCreator creates platform users.
type UserCreator interface {
	CreateUser(ctx context.Context, params platform.CreateUserParams) (platform.User, error)
}

type Config struct {
	Secret      string
	Cooldown    time.Duration
	OTPTTL      time.Duration
	VerifiedTTL time.Duration
}

// Service handles email verification and signup.
type Service struct {
	cfg     Config
	secret  []byte
	codeKey []byte
	sendLog SendLog
	mailer  Mailer
	users   UserCreator
	schema  *profile.Schema
	now     func() time.Time
	newCode func() (string, error)
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCodeGenerator overrides how one-time codes are drawn.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) {
		if gen != nil {
			s.newCode = gen
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a new authentication service.
func NewService(cfg Config, sendLog SendLog, mailer Mailer, users UserCreator, schema *profile.Schema, opts ...Option) *Service {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = DefaultOTPTTL
	}
	if cfg.VerifiedTTL <= 0 {
		cfg.VerifiedTTL = DefaultVerifiedTTL
	}
	if sendLog == nil {
		sendLog = NewMemorySendLog()
	}
	if schema == nil {
		schema = profile.NewSchema(nil, nil)
	}
	s := &Service{
		cfg:     cfg,
		secret:  []byte(cfg.Secret),
		sendLog: sendLog,
		mailer:  mailer,
		users:   users,
		schema:  schema,
		now:     time.Now,
		newCode: randomCode,
		logger:  zap.NewNop(),
	}
	if len(s.secret) > 0 {
		s.codeKey = deriveKey(s.secret, "email-otp-code")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendEmailOTP emails a fresh code to req.Email and returns the challenge
// token naming the send. The code itself stays server-side as a MAC.
func (s *Service) SendEmailOTP(ctx context.Context, req SendOTPRequest) (SendOTPResult, error) {
	if len(s.secret) == 0 {
		return SendOTPResult{}, ErrMissingSecret
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		s.metrics.OTPSend("invalid")
		return SendOTPResult{}, err
	}

	now := s.now()
	wait, err := s.sendLog.Reserve(ctx, email, now, s.cfg.Cooldown)
	if err != nil {
		s.metrics.OTPSend("error")
		return SendOTPResult{}, err
	}
	if wait > 0 {
		s.metrics.OTPSend("cooldown")
		return SendOTPResult{}, &CooldownError{Wait: wait}
	}

	code, err := s.newCode()
	if err != nil {
		s.release(ctx, email)
		return SendOTPResult{}, fmt.Errorf("auth: generate code: %w", err)
	}
	nonce := uuid.NewString()
	if err := s.sendLog.Attach(ctx, email, nonce, s.codeMAC(email, nonce, code)); err != nil {
		s.release(ctx, email)
		s.metrics.OTPSend("error")
		return SendOTPResult{}, err
	}

	expiresAt := now.Add(s.cfg.OTPTTL)
	token, err := s.sign(jwt.MapClaims{
		"email":   email,
		"jti":     nonce,
		"purpose": PurposeEmailOTP,
		"iat":     now.Unix(),
		"exp":     expiresAt.Unix(),
	})
	if err != nil {
		s.release(ctx, email)
		return SendOTPResult{}, fmt.Errorf("auth: sign challenge: %w", err)
	}

	if err := s.mailer.SendOTP(ctx, email, code, req.Locale); err != nil {
		s.release(ctx, email)
		s.metrics.OTPSend("error")
		return SendOTPResult{}, fmt.Errorf("auth: deliver code: %w", err)
	}

	s.metrics.OTPSend("sent")
	return SendOTPResult{ChallengeToken: token, ExpiresAt: expiresAt}, nil
}

// VerifyEmailOTP checks code against the challenge and returns a verified
// token. Each challenge allows MaxVerifyAttempts tries and one success.
func (s *Service) VerifyEmailOTP(ctx context.Context, req VerifyOTPRequest) (VerifyOTPResult, error) {
	if len(s.secret) == 0 {
		return VerifyOTPResult{}, ErrMissingSecret
	}
	if !isCode(req.Code) {
		return VerifyOTPResult{}, ErrInvalidCode
	}
	claims, err := s.parse(req.ChallengeToken, PurposeEmailOTP)
	if err != nil {
		return VerifyOTPResult{}, ErrChallengeInvalid
	}
	email, _ := claims["email"].(string)
	nonce, _ := claims["jti"].(string)
	if email == "" || nonce == "" {
		return VerifyOTPResult{}, ErrChallengeInvalid
	}

	stored, err := s.sendLog.Attempt(ctx, email, nonce, MaxVerifyAttempts)
	if err != nil {
		if errors.Is(err, ErrTooManyAttempts) {
			s.logger.Warn("otp attempts exhausted", zap.String("email", email))
		}
		return VerifyOTPResult{}, err
	}
	if !hmac.Equal([]byte(stored), []byte(s.codeMAC(email, nonce, req.Code))) {
		return VerifyOTPResult{}, ErrCodeMismatch
	}
	if err := s.sendLog.Consume(ctx, email, nonce); err != nil {
		return VerifyOTPResult{}, err
	}

	now := s.now()
	expiresAt := now.Add(s.cfg.VerifiedTTL)
	token, err := s.sign(jwt.MapClaims{
		"email":   email,
		"purpose": PurposeEmailVerified,
		"iat":     now.Unix(),
		"exp":     expiresAt.Unix(),
	})
	if err != nil {
		return VerifyOTPResult{}, fmt.Errorf("auth: sign verified token: %w", err)
	}
	return VerifyOTPResult{VerifiedToken: token, Email: email, ExpiresAt: expiresAt}, nil
}

// Signup validates req and creates the user on the platform. Identity
// provider signups skip email verification and default to the provider type.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (SignupResult, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return SignupResult{}, err
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		return SignupResult{}, ErrNameRequired
	}

	method := SignupMethodEmail
	userType := strings.TrimSpace(req.UserType)
	if req.IDPToken != "" {
		method = SignupMethodIDP
		if userType == "" {
			userType = profile.UserTypeProvider
		}
	} else {
		if err := s.checkVerified(req.VerifiedToken, email); err != nil {
			return SignupResult{}, err
		}
		if len(req.Password) < MinPasswordLength {
			return SignupResult{}, ErrWeakPassword
		}
	}

	ext, err := s.schema.Place(userType, req.UserFields)
	if err != nil {
		return SignupResult{}, err
	}
	ext.Public["userType"] = userType
	if phone := strings.TrimSpace(req.PhoneNumber); phone != "" {
		ext.Protected["phoneNumber"] = phone
	}

	params := platform.CreateUserParams{
		Email:         email,
		FirstName:     strings.TrimSpace(req.FirstName),
		LastName:      strings.TrimSpace(req.LastName),
		DisplayName:   strings.TrimSpace(req.DisplayName),
		PublicData:    ext.Public,
		ProtectedData: nonEmpty(ext.Protected),
		PrivateData:   nonEmpty(ext.Private),
	}
	if method == SignupMethodIDP {
		params.IDPToken = req.IDPToken
		params.IDPID = req.IDPID
		params.IDPClientID = req.IDPClientID
	} else {
		params.Password = req.Password
	}

	user, err := s.users.CreateUser(ctx, params)
	if err != nil {
		return SignupResult{}, fmt.Errorf("auth: create user: %w", err)
	}
	s.logger.Info("user signed up", zap.String("user_id", user.ID), zap.String("user_type", userType), zap.String("method", method))
	return SignupResult{UserID: user.ID, Email: email, UserType: userType, Method: method}, nil
}

func (s *Service) checkVerified(token, email string) error {
	if token == "" || len(s.secret) == 0 {
		return ErrVerificationRequired
	}
	claims, err := s.parse(token, PurposeEmailVerified)
	if err != nil {
		return ErrVerificationRequired
	}
	verified, _ := claims["email"].(string)
	if verified != email {
		return ErrEmailMismatch
	}
	return nil
}

func (s *Service) sign(claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) parse(tokenString, purpose string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if p, _ := claims["purpose"].(string); p != purpose {
		return nil, fmt.Errorf("auth: token purpose %q", p)
	}
	return claims, nil
}

// codeMAC binds code to the address and challenge it was sent for.
func (s *Service) codeMAC(email, nonce, code string) string {
	mac := hmac.New(sha256.New, s.codeKey)
	mac.Write([]byte(email + "|" + nonce + "|" + code))
	return hex.EncodeToString(mac.Sum(nil))
}

func deriveKey(secret []byte, purpose string) []byte {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		// hkdf only fails past 255 blocks of output
		panic(err)
	}
	return key
}

func (s *Service) release(ctx context.Context, email string) {
	if err := s.sendLog.Release(ctx, email); err != nil {
		s.logger.Warn("release otp send", zap.Error(err))
	}
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func isCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func nonEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
