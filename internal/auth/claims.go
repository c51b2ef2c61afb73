package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tokenClaims are the fields read from the session cookie. Only the payload
// segment is decoded; the signature belongs to the issuer and is not checked
// client-side.
type tokenClaims struct {
	UserID    string
	ExpiresAt time.Time
}

var (
	errTokenFormat   = errors.New("session token is not a three-part token")
	errMissingUser   = errors.New("session token has no user id claim")
	errMissingExpiry = errors.New("session token has no exp claim")
)

// decodeClaims reads the user id and expiry from a dot-separated base64url
// token ("header.payload.signature").
func decodeClaims(token string) (tokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[1] == "" {
		return tokenClaims{}, errTokenFormat
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return tokenClaims{}, fmt.Errorf("decode token payload: %w", err)
	}

	var raw map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return tokenClaims{}, fmt.Errorf("parse token claims: %w", err)
	}

	var c tokenClaims
	for _, key := range []string{"sub", "user_id", "userId"} {
		if id := claimString(raw[key]); id != "" {
			c.UserID = id
			break
		}
	}
	if c.UserID == "" {
		return tokenClaims{}, errMissingUser
	}

	exp := claimString(raw["exp"])
	if exp == "" {
		return tokenClaims{}, errMissingExpiry
	}
	secs, err := strconv.ParseFloat(exp, 64)
	if err != nil || secs <= 0 {
		return tokenClaims{}, fmt.Errorf("invalid exp claim %q", exp)
	}
	c.ExpiresAt = time.Unix(int64(secs), 0)
	return c, nil
}

func claimString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	}
	return ""
}
