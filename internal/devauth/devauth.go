// Package devauth is the local principal-minting stub used by dev/test
// deployments, standing in for the external identity issuer. Production
// deployments never call Login: principals there come from a real
// identity service, and only fanout.TokenValidator.Validate ever runs
// against its tokens. Uses the usual bcrypt-hashed password / JWT mint
// on success shape, over a fixed set of operator-seeded test principals.
package devauth

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fleetwatch/telemetry/internal/fanout"
	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
)

var errInvalidCredentials = errors.New("invalid credentials")

const devTokenTTL = 24 * time.Hour

// Credential is one operator-seeded (username, bcrypt hash) pair bound to
// a Principal, configured via DEVAUTH_USERS at startup.
type Credential struct {
	Username     string
	PasswordHash []byte
	Principal    model.Principal
}

// Service mints short-lived tokens for a fixed roster of dev/test
// credentials. It is never wired into the production identity path.
type Service struct {
	creds  map[string]Credential
	mint   *fanout.TokenValidator
	logger *logging.Logger
}

// New builds a Service over creds, keyed by username, using mint to sign
// issued tokens with the same secret fanout.TokenValidator verifies
// against.
func New(creds []Credential, mint *fanout.TokenValidator, logger *logging.Logger) *Service {
	byUser := make(map[string]Credential, len(creds))
	for _, c := range creds {
		byUser[c.Username] = c
	}
	return &Service{creds: byUser, mint: mint, logger: logger}
}

// HashPassword bcrypt-hashes a plaintext password for seeding Credential
// entries; operators run this offline to populate DEVAUTH_USERS.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Login verifies username/password against the seeded roster and, on
// success, mints a bearer token carrying that credential's Principal.
func (s *Service) Login(username, password string) (string, model.Principal, error) {
	cred, ok := s.creds[username]
	if !ok {
		s.logger.Warn("devauth login: unknown user", logging.Component("devauth"), logging.String("username", username))
		return "", model.Principal{}, errInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(password)); err != nil {
		s.logger.Warn("devauth login: bad password", logging.Component("devauth"), logging.String("username", username))
		return "", model.Principal{}, errInvalidCredentials
	}

	token, err := s.mint.Mint(cred.Principal, devTokenTTL)
	if err != nil {
		s.logger.Error("devauth login: minting token", err, logging.Component("devauth"))
		return "", model.Principal{}, fmt.Errorf("minting token: %w", err)
	}

	s.logger.Info("devauth login", logging.Component("devauth"), logging.String("username", username), logging.String("role", string(cred.Principal.Role)))
	return token, cred.Principal, nil
}
