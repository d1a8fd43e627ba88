// Package ice builds the IceConfig issued to a client on Welcome: a static
// STUN server list plus TURN servers with short-lived credentials minted
// using the long-term-credential mechanism pion/turn/v4 verifies against
// (RFC 8489 §10.2), adapted from the HMAC auth-handler pattern in the
// TURN/STUN example repo's createEnhancedAuthHandler.
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/turn/v4"

	"groundlink/internal/protocol"
)

// Config issues IceConfig values for a given TURN realm/secret pair.
type Config struct {
	STUNURLs []string
	TURNURLs []string
	Realm    string
	Secret   []byte
	TTL      time.Duration
}

// NewConfig builds a Config. ttl defaults to 10 minutes when zero, matching
// the short-lived-credential convention documented in DESIGN.md.
func NewConfig(stunURLs, turnURLs []string, realm string, secret []byte, ttl time.Duration) *Config {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Config{STUNURLs: stunURLs, TURNURLs: turnURLs, Realm: realm, Secret: secret, TTL: ttl}
}

// Issue mints a fresh credential pair for id and returns the complete
// IceConfig to send in Welcome. The username is "<expiry-unix>:<cid>" and
// the credential is base64(HMAC-SHA1(username, secret)), the standard TURN
// REST API long-term-credential construction that pion/turn/v4's
// LongTermAuthHandler verifies.
func (c *Config) Issue(id protocol.ClientID) protocol.IceConfig {
	servers := make([]protocol.IceServer, 0, len(c.STUNURLs)+len(c.TURNURLs))
	for _, u := range c.STUNURLs {
		servers = append(servers, protocol.IceServer{URLs: []string{u}})
	}

	if len(c.TURNURLs) > 0 {
		username, credential := c.mint(id)
		servers = append(servers, protocol.IceServer{
			URLs:       c.TURNURLs,
			Username:   username,
			Credential: credential,
		})
	}

	return protocol.IceConfig{Servers: servers}
}

func (c *Config) mint(id protocol.ClientID) (username, password string) {
	expiry := time.Now().Add(c.TTL).Unix()
	username = strconv.FormatInt(expiry, 10) + ":" + string(id)

	mac := hmac.New(sha1.New, c.Secret)
	mac.Write([]byte(username))
	password = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, password
}

// ExpiryFromUsername recovers the expiry timestamp embedded in a minted
// TURN username, for callers (the gateway's audit log) that need to record
// when an issued credential stops working.
func ExpiryFromUsername(username string) (time.Time, error) {
	prefix, _, ok := strings.Cut(username, ":")
	if !ok {
		return time.Time{}, fmt.Errorf("ice: malformed turn username %q", username)
	}
	unix, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("ice: parse turn username expiry: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// AuthHandler returns the pion/turn/v4 server.Config.AuthHandler callback:
// it re-derives the expected password from the shared secret (the same
// HMAC construction Issue uses) and turns it into the MD5 long-term-
// credential key via turn.GenerateAuthKey, the way
// createEnhancedAuthHandler does against its users map.
func (c *Config) AuthHandler() func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
	return func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
		mac := hmac.New(sha1.New, c.Secret)
		mac.Write([]byte(username))
		password := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		return turn.GenerateAuthKey(username, realm, password), true
	}
}
