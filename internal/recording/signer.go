package recording

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrBadToken = errors.New("invalid or expired recording token")

// URLSigner mints and verifies the time-limited tokens that gate recording
// downloads. The reference stored on the session never expires; a fresh
// token is minted for every retrieval so expired credentials never reach the
// client as a broken link.
type URLSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewURLSigner(secret string, ttl time.Duration) *URLSigner {
	return &URLSigner{secret: []byte(secret), ttl: ttl}
}

// Mint signs an HS256 token granting read access to one recording.
func (s *URLSigner) Mint(recordingID uuid.UUID) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": recordingID.String(),
		"exp": now.Add(s.ttl).Unix(),
		"iat": now.Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign recording token: %w", err)
	}
	return signed, nil
}

// Verify checks the token and returns the recording it grants access to.
func (s *URLSigner) Verify(token string) (uuid.UUID, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, ErrBadToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, ErrBadToken
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return uuid.Nil, ErrBadToken
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, ErrBadToken
	}
	return id, nil
}
