// Package urlsign adds the listener tracking and authorization parameters the
// Planet Radio stream servers expect on every stream, playlist and segment URL.
package urlsign

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Query keys set by Sign.
const (
	KeyDirect     = "direct"
	KeyListenerID = "listenerid"
	KeyAWListener = "aw_0_1st.bauer_listenerid"
	KeyAWSessKey  = "aw_0_1st.skey"
	KeyAWLoggedIn = "aw_0_1st.bauer_loggedin"
	KeyRegion     = "region"
)

// Options carries the non-session inputs to Sign.
type Options struct {
	Region string
}

// Sign returns rawURL with the listener parameters merged into its query.
// Existing parameters are kept; same-named ones are overwritten, so signing a
// signed URL again only changes the time-derived session key.
func Sign(rawURL, userID string, now time.Time, opts Options) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("sign %s: empty user id", rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("sign: parse url: %w", err)
	}

	q := u.Query()
	q.Set(KeyDirect, "false")
	q.Set(KeyListenerID, userID)
	q.Set(KeyAWListener, userID)
	q.Set(KeyAWSessKey, strconv.FormatInt(now.Unix(), 10))
	q.Set(KeyAWLoggedIn, "true")
	if opts.Region != "" {
		q.Set(KeyRegion, opts.Region)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Signer binds a user id, region and clock so relays can sign segment URLs
// without knowing about the session.
type Signer struct {
	UserID string
	Region string
	Now    func() time.Time
}

// Sign signs rawURL with the bound identity.
func (s Signer) Sign(rawURL string) (string, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Sign(rawURL, s.UserID, now(), Options{Region: s.Region})
}
