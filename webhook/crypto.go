package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// tokenKey signs callback tokens. Generated per process: restarting the
// server invalidates outstanding tokens, which consumers recover from
// via the TOKEN_EXPIRED refresh path.
var tokenKey []byte

func init() {
	tokenKey = make([]byte, 32)
	if _, err := rand.Read(tokenKey); err != nil {
		panic(fmt.Sprintf("failed to generate token key: %v", err))
	}
}

const (
	tokenTTL              = time.Hour
	tokenRefreshThreshold = 5 * time.Minute
)

// GenerateWebhookSecret creates a webhook signing secret.
func GenerateWebhookSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "whsec_" + hex.EncodeToString(b)
}

// SignPayload signs a webhook body with the subscription secret.
// Returns "t=<unix_ts>,sha256=<hex_sig>"; the signed text is
// "<timestamp>.<body>".
func SignPayload(body, secret string) string {
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, body)
	return fmt.Sprintf("t=%d,sha256=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

type tokenPayload struct {
	Sub   string `json:"sub"`
	Epoch int    `json:"epoch"`
	Exp   int64  `json:"exp"`
	Jti   string `json:"jti"`
}

// GenerateCallbackToken creates a signed callback token bound to a
// consumer and epoch.
func GenerateCallbackToken(consumerID string, epoch int) string {
	jti := make([]byte, 8)
	rand.Read(jti)

	payloadJSON, _ := json.Marshal(tokenPayload{
		Sub:   consumerID,
		Epoch: epoch,
		Exp:   time.Now().Add(tokenTTL).Unix(),
		Jti:   hex.EncodeToString(jti),
	})
	payloadStr := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, tokenKey)
	mac.Write([]byte(payloadStr))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payloadStr + "." + sig
}

// TokenValidation is the outcome of ValidateCallbackToken.
type TokenValidation struct {
	Valid bool
	Exp   int64
	Code  string // TOKEN_INVALID or TOKEN_EXPIRED when !Valid
}

// ValidateCallbackToken verifies a callback token against a consumer ID.
func ValidateCallbackToken(token, consumerID string) TokenValidation {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return TokenValidation{Code: ErrCodeTokenInvalid}
	}
	payloadStr, sig := parts[0], parts[1]

	mac := hmac.New(sha256.New, tokenKey)
	mac.Write([]byte(payloadStr))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return TokenValidation{Code: ErrCodeTokenInvalid}
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadStr)
	if err != nil {
		return TokenValidation{Code: ErrCodeTokenInvalid}
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return TokenValidation{Code: ErrCodeTokenInvalid}
	}

	if payload.Sub != consumerID {
		return TokenValidation{Code: ErrCodeTokenInvalid}
	}
	if time.Now().Unix() > payload.Exp {
		return TokenValidation{Code: ErrCodeTokenExpired}
	}
	return TokenValidation{Valid: true, Exp: payload.Exp}
}

// TokenNeedsRefresh reports whether a token is close enough to expiry
// that the response should carry a fresh one.
func TokenNeedsRefresh(exp int64) bool {
	return time.Until(time.Unix(exp, 0)) <= tokenRefreshThreshold
}
