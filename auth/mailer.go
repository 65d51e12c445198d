package auth

import (
	"context"

	"go.uber.org/zap"
)

// Mailer delivers one-time codes.
type Mailer interface {
	SendOTP(ctx context.Context, email, code, locale string) error
}

// LogMailer writes codes to the log instead of sending mail. For local development only.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendOTP(_ context.Context, email, code, locale string) error {
	m.logger.Info("email otp",
		zap.String("email", email),
		zap.String("code", code),
		zap.String("locale", locale),
	)
	return nil
}
