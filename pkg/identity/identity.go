// Package identity resolves a request's TrustTier and stable id from a
// bearer token, an API key, or the client address as a last resort —
// authentication never fails outward, it degrades to Tier Anon.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TrustTier is a coarse-grained trust bucket governing rate caps and tool
// allowance. Ordering is total: Anon < User < Verified < Privileged.
type TrustTier string

const (
	TierAnon       TrustTier = "anon"
	TierUser       TrustTier = "user"
	TierVerified   TrustTier = "verified"
	TierPrivileged TrustTier = "privileged"
)

var tierRank = map[TrustTier]int{
	TierAnon:       0,
	TierUser:       1,
	TierVerified:   2,
	TierPrivileged: 3,
}

// AtLeast reports whether t is the same tier as or above min.
func (t TrustTier) AtLeast(min TrustTier) bool {
	return tierRank[t] >= tierRank[min]
}

// roleToTier maps a bearer token's role claim, or an API key's trailing
// tier tag, to a TrustTier.
var roleToTier = map[string]TrustTier{
	"anon":       TierAnon,
	"user":       TierUser,
	"verified":   TierVerified,
	"privileged": TierPrivileged,
	"admin":      TierPrivileged,
}

// TierDailyRateLimits are the token-bucket capacities per tier that the
// governor uses as each identity's base daily capacity.
var TierDailyRateLimits = map[TrustTier]int{
	TierAnon:       20,
	TierUser:       1_000,
	TierVerified:   10_000,
	TierPrivileged: 100_000,
}

// Identity is the resolved caller attached to every request.
type Identity struct {
	ID        string
	TrustTier TrustTier
	Metadata  map[string]interface{}
}

// Resolver resolves an Identity from request credentials. A missing secret
// or invalid token never errors out to the caller — it resolves to anon.
type Resolver struct {
	jwtSecret       []byte
	apiKeys         map[string]TrustTier // key -> tier
	apiKeysOrdered  []string             // preserves first-match precedence
}

// NewResolver builds a Resolver. jwtSecret signs/verifies bearer tokens;
// apiKeysCSV is the comma-separated "key:tier" list from configuration.
func NewResolver(jwtSecret string, apiKeysCSV string) *Resolver {
	r := &Resolver{
		jwtSecret: []byte(jwtSecret),
		apiKeys:   map[string]TrustTier{},
	}
	for _, entry := range strings.Split(apiKeysCSV, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.LastIndex(entry, ":")
		if idx < 0 {
			continue
		}
		key, tierName := entry[:idx], strings.TrimSpace(entry[idx+1:])
		tier, ok := roleToTier[tierName]
		if !ok {
			tier = TierUser
		}
		r.apiKeys[key] = tier
		r.apiKeysOrdered = append(r.apiKeysOrdered, key)
	}
	return r
}

// Resolve extracts an Identity from the Authorization/X-API-Key headers and
// the caller's network address, falling back to anon at every failure.
func (r *Resolver) Resolve(authHeader, apiKey, remoteAddr string) Identity {
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if id, ok := r.validateBearer(token); ok {
			return id
		}
		return Identity{ID: "anon:bad-token", TrustTier: TierAnon}
	}
	if apiKey != "" {
		if id, ok := r.validateAPIKey(apiKey); ok {
			return id
		}
		return Identity{ID: "anon:invalid-key", TrustTier: TierAnon}
	}
	return Identity{ID: fmt.Sprintf("anon:%s", remoteAddr), TrustTier: TierAnon}
}

// claims is the payload carried by a compact bearer token.
type claims struct {
	Sub string `json:"sub"`
	Role string `json:"role"`
	Exp int64  `json:"exp,omitempty"`
}

// IssueBearerToken builds a compact HMAC-signed token: base64url(payload)
// "." base64url(hmac-sha256(payload)). This is the JWT-equivalent the
// external interface describes, hand-rolled on stdlib crypto/hmac since no
// JWT library appears anywhere in the example pack.
func (r *Resolver) IssueBearerToken(sub, role string, ttl time.Duration) (string, error) {
	c := claims{Sub: sub, Role: role}
	if ttl > 0 {
		c.Exp = time.Now().Add(ttl).Unix()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := r.sign(payloadB64)
	return payloadB64 + "." + sig, nil
}

func (r *Resolver) sign(payloadB64 string) string {
	mac := hmac.New(sha256.New, r.jwtSecret)
	mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (r *Resolver) validateBearer(token string) (Identity, bool) {
	if len(r.jwtSecret) == 0 {
		return Identity{}, false
	}
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Identity{}, false
	}
	payloadB64, sig := parts[0], parts[1]
	expected := r.sign(payloadB64)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Identity{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Identity{}, false
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Identity{}, false
	}
	if c.Sub == "" {
		return Identity{}, false
	}
	if c.Exp != 0 && time.Now().Unix() > c.Exp {
		return Identity{}, false
	}

	tier, ok := roleToTier[c.Role]
	if !ok {
		tier = TierUser
	}
	return Identity{
		ID:        c.Sub,
		TrustTier: tier,
		Metadata:  map[string]interface{}{"role": c.Role},
	}, true
}

func (r *Resolver) validateAPIKey(key string) (Identity, bool) {
	for _, stored := range r.apiKeysOrdered {
		if hmac.Equal([]byte(stored), []byte(key)) {
			tier := r.apiKeys[stored]
			shown := stored
			if len(shown) > 8 {
				shown = shown[:8]
			}
			return Identity{
				ID:        fmt.Sprintf("apikey:%s...", shown),
				TrustTier: tier,
			}, true
		}
	}
	return Identity{}, false
}
