package fanout

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
)

// Claims is the JWT payload minted by the external identity issuer: an
// HS256 RegisteredClaims envelope with Username dropped (not part of
// Principal) and DeviceID added for device-bound tokens.
type Claims struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator validates a bearer token and resolves it to a Principal.
// Constructed with a fixed secret at startup (see config.JWTConfig)
// rather than reading an env var at call time.
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator builds a validator over secret.
func NewTokenValidator(secret []byte) *TokenValidator {
	return &TokenValidator{secret: secret}
}

// Validate parses and verifies tokenString, then maps its claims onto a
// model.Principal, rejecting any role outside the closed Role set.
func (v *TokenValidator) Validate(tokenString string) (model.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: parsing token: %v", telemetryerr.ErrUnauthorized, err)
	}
	if !token.Valid {
		return model.Principal{}, fmt.Errorf("%w: token signature invalid", telemetryerr.ErrUnauthorized)
	}

	role := model.Role(claims.Role)
	if !role.Valid() {
		return model.Principal{}, fmt.Errorf("%w: unknown role %q", telemetryerr.ErrUnauthorized, claims.Role)
	}

	userID, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: malformed user_id claim %q", telemetryerr.ErrUnauthorized, claims.UserID)
	}

	return model.Principal{UserID: userID, Role: role, DeviceID: claims.DeviceID}, nil
}

// Mint issues a token for principal, used by the local dev/test identity
// stub — never called for the production identity issuer, which is
// external to this service.
func (v *TokenValidator) Mint(principal model.Principal, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   strconv.FormatInt(principal.UserID, 10),
		Role:     string(principal.Role),
		DeviceID: principal.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "fleetwatch-telemetry",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
