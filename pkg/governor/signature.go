package governor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SignatureValidator checks the optional HMAC+TTL request signature some
// callers attach (§4.3's "optional signed-request validation"), grounded on
// the original RequestValidator.validate_request_signature.
type SignatureValidator struct {
	secret []byte
	ttl    time.Duration
}

func NewSignatureValidator(secret string, ttl time.Duration) *SignatureValidator {
	return &SignatureValidator{secret: []byte(secret), ttl: ttl}
}

// Verify checks that signature is the HMAC-SHA256 of
// "<requestData>:<timestamp>:<clientID>" under the configured secret, and
// that timestamp is within the configured TTL of now.
func (v *SignatureValidator) Verify(requestData, signature string, timestamp time.Time, clientID string) bool {
	if time.Since(timestamp).Abs() > v.ttl {
		return false
	}
	message := fmt.Sprintf("%s:%d:%s", requestData, timestamp.Unix(), clientID)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(message))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
