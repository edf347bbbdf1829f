package marketplace

import (
	"errors"
	"os"
	"strings"
	"time"

	"rently/pkg/logger"

	"github.com/golang-jwt/jwt/v4"
)

// CredentialSource supplies the bearer credential used for marketplace
// calls and realtime channel authentication. When a file is configured it
// is re-read on every call, so a refreshed token takes effect on the next
// request or reconnect without restarting.
type CredentialSource struct {
	file   string
	static string
	log    *logger.Logger
}

// NewCredentialSource creates a credential source. file takes precedence
// over the static credential when both are set.
func NewCredentialSource(file, static string, log *logger.Logger) *CredentialSource {
	if log == nil {
		log = logger.GetDefault()
	}
	return &CredentialSource{file: file, static: static, log: log}
}

// Token returns the current credential
func (s *CredentialSource) Token() (string, error) {
	token := s.static
	if s.file != "" {
		data, err := os.ReadFile(s.file)
		if err != nil {
			return "", err
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return "", errors.New("no marketplace credential configured")
	}

	s.warnIfExpired(token)
	return token, nil
}

// warnIfExpired inspects the token's exp claim without verifying the
// signature. The server remains the authority; this only makes a stale
// local credential visible in the logs.
func (s *CredentialSource) warnIfExpired(token string) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return // not a JWT, nothing to inspect
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		s.log.Warn("marketplace credential is expired",
			"expired_at", claims.ExpiresAt.Time.Format(time.RFC3339))
	}
}
