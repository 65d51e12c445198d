package auth

import (
	"fmt"
	"math"
	"time"
)

const (
	PurposeEmailOTP      = "email-otp"
	PurposeEmailVerified = "email-verified"

	CodeLength        = 6
	MinPasswordLength = 8

	SignupMethodEmail = "email"
	SignupMethodIDP   = "idp"
)

// SendOTPRequest asks for a one-time code to be emailed.
type SendOTPRequest struct {
	Email  string `json:"email"`
	Locale string `json:"locale"`
}

// SendOTPResult carries the signed challenge the client echoes back on verify.
type SendOTPResult struct {
	ChallengeToken string    `json:"challengeToken"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type VerifyOTPRequest struct {
	ChallengeToken string `json:"challengeToken"`
	Code           string `json:"code"`
}

// VerifyOTPResult proves ownership of Email until ExpiresAt.
type VerifyOTPResult struct {
	VerifiedToken string    `json:"verifiedToken"`
	Email         string    `json:"email"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// SignupRequest creates a marketplace user. Either VerifiedToken and
// Password (email signup) or the IdP fields (identity provider signup) are set.
type SignupRequest struct {
	Email         string         `json:"email"`
	Password      string         `json:"password"`
	FirstName     string         `json:"firstName"`
	LastName      string         `json:"lastName"`
	DisplayName   string         `json:"displayName"`
	PhoneNumber   string         `json:"phoneNumber"`
	UserType      string         `json:"userType"`
	UserFields    map[string]any `json:"userFields"`
	VerifiedToken string         `json:"verifiedToken"`
	IDPToken      string         `json:"idpToken"`
	IDPID         string         `json:"idpId"`
	IDPClientID   string         `json:"idpClientId"`
}

// SignupResult identifies the created user.
type SignupResult struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	UserType string `json:"userType"`
	Method   string `json:"method"`
}

// CooldownError reports that a code was sent to the address too recently.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("auth: code already sent, retry in %ds", e.WaitSeconds())
}

// WaitSeconds rounds the remaining wait up to whole seconds.
func (e *CooldownError) WaitSeconds() int {
	return int(math.Ceil(e.Wait.Seconds()))
}
