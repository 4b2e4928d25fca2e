package approval

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/datawarden/datawarden/internal/models"
)

// approverRole is the only role whose members may act on an approval token.
const approverRole = "admin"

// tokenClaims binds a token to exactly one approval and the approver role.
type tokenClaims struct {
	ApproverRole string `json:"approver_role"`
	jwt.RegisteredClaims
}

// MintToken signs an HMAC-SHA256 token authorizing one approval decision on
// one approval ID, valid until expiry.
func MintToken(secret []byte, approvalID uuid.UUID, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		ApproverRole: approverRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approvalID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "datawarden",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken checks signature, expiry, and the approval binding. It
// returns approval.token_expired for lapsed tokens and
// approval.token_invalid for every other defect.
func ValidateToken(secret []byte, token string, approvalID uuid.UUID) error {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.E(models.ErrTokenExpired, "approval token has expired")
		}
		return models.WrapErr(models.ErrTokenInvalid, "approval token rejected", err)
	}
	if !parsed.Valid {
		return models.E(models.ErrTokenInvalid, "approval token rejected")
	}
	if claims.Subject != approvalID.String() {
		return models.E(models.ErrTokenInvalid, "approval token is bound to a different approval")
	}
	if claims.ApproverRole != approverRole {
		return models.E(models.ErrTokenInvalid, "approval token carries an unexpected approver role")
	}
	return nil
}
