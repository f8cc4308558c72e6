package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PixelBooth/app/models"
)

var (
	ErrInvalidCheckoutToken = errors.New("billing: invalid checkout token")
	ErrCheckoutTokenExpired = errors.New("billing: checkout token expired")
)

// DefaultCheckoutTokenTTL covers the 24h checkout session lifetime plus the
// gateway's redelivery window.
const DefaultCheckoutTokenTTL = 96 * time.Hour

// CheckoutClaims identify who started a checkout and what they bought.
type CheckoutClaims struct {
	UserID    uint           `json:"user_id"`
	Package   models.Package `json:"package"`
	Months    int            `json:"months"`
	ExpiresAt int64          `json:"exp"`
}

// CheckoutTokens signs and verifies checkout correlation tokens. The token
// travels through the gateway as client_reference_id and is the only way a
// completed checkout is linked to a user.
type CheckoutTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCheckoutTokens(secret string, ttl time.Duration) (*CheckoutTokens, error) {
	if secret == "" {
		return nil, errors.New("secret is required for checkout tokens")
	}
	if ttl <= 0 {
		ttl = DefaultCheckoutTokenTTL
	}
	return &CheckoutTokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns payload.signature, both base64url encoded.
func (t *CheckoutTokens) Issue(userID uint, pkg models.Package, months int) (string, error) {
	if userID == 0 {
		return "", errors.New("user id is required for checkout tokens")
	}
	claims := CheckoutClaims{
		UserID:    userID,
		Package:   pkg,
		Months:    months,
		ExpiresAt: t.now().Add(t.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString(payload), base64.RawURLEncoding.EncodeToString(t.sign(payload)))
	return token, nil
}

// Verify checks the signature and expiry and returns the claims.
func (t *CheckoutTokens) Verify(token string) (*CheckoutClaims, error) {
	parts := strings.SplitN(strings.TrimSpace(token), ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: format", ErrInvalidCheckoutToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding", ErrInvalidCheckoutToken)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding", ErrInvalidCheckoutToken)
	}
	if !hmac.Equal(sig, t.sign(payload)) {
		return nil, fmt.Errorf("%w: signature", ErrInvalidCheckoutToken)
	}

	var claims CheckoutClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload", ErrInvalidCheckoutToken)
	}
	if claims.UserID == 0 {
		return nil, fmt.Errorf("%w: user", ErrInvalidCheckoutToken)
	}
	if _, err := models.ParsePackage(string(claims.Package)); err != nil {
		return nil, fmt.Errorf("%w: package", ErrInvalidCheckoutToken)
	}
	if t.now().Unix() > claims.ExpiresAt {
		return nil, ErrCheckoutTokenExpired
	}
	return &claims, nil
}

func (t *CheckoutTokens) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
