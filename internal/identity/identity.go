// Package identity talks to the two external collaborators named in §6:
// the OAuth2/PKCE identity provider (token introspection) and the VATSIM
// data feed (display_name/frequency enrichment). It also provides
// TicketMinter, which mints and validates internal session tickets; the
// gateway does not mint or check these tickets.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"groundlink/internal/protocol"
)

// ErrInvalidToken is returned by Verify when the identity provider rejects
// or cannot validate the presented bearer token.
var ErrInvalidToken = errors.New("identity: invalid or expired token")

// TokenVerifier validates an externally issued access token and returns the
// client's stable CID. Implementations call the provider's introspection
// endpoint; see HTTPIntrospector for the production implementation.
type TokenVerifier interface {
	Verify(ctx context.Context, accessToken string) (protocol.ClientID, error)
}

// HTTPIntrospector implements TokenVerifier against an OAuth2 introspection
// endpoint, mirroring the bearer-extraction pattern in the teacher's
// internal/api/middleware.go but applied to a remote provider instead of a
// locally minted JWT.
type HTTPIntrospector struct {
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
	HTTPClient       *http.Client
}

type introspectionResponse struct {
	Active bool   `json:"active"`
	CID    string `json:"cid"`
}

// Verify posts accessToken to the configured introspection endpoint and
// extracts {cid}. Other user attributes the provider might return are
// intentionally discarded — only the CID is persisted, per §6.
func (h *HTTPIntrospector) Verify(ctx context.Context, accessToken string) (protocol.ClientID, error) {
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.IntrospectionURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(h.ClientID, h.ClientSecret)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrInvalidToken
	}

	var body introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if !body.Active || body.CID == "" {
		return "", ErrInvalidToken
	}
	return protocol.ClientID(body.CID), nil
}

// SessionTicketClaims is the claim set of an internal session ticket minted
// by TicketMinter, generalized from the teacher's TokenClaims in
// internal/api/jwt.go.
type SessionTicketClaims struct {
	ClientID protocol.ClientID `json:"cid"`
	jwt.RegisteredClaims
}

// TicketMinter mints and validates internal session tickets with HS256,
// matching internal/api/jwt.go's GenerateToken/ValidateToken shape.
type TicketMinter struct {
	secret []byte
	ttl    time.Duration
}

// NewTicketMinter builds a minter with the given HMAC secret and ticket
// lifetime.
func NewTicketMinter(secret []byte, ttl time.Duration) *TicketMinter {
	return &TicketMinter{secret: secret, ttl: ttl}
}

// Mint issues a signed ticket for id.
func (m *TicketMinter) Mint(id protocol.ClientID) (string, error) {
	now := time.Now()
	claims := SessionTicketClaims{
		ClientID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and verifies a ticket minted by Mint.
func (m *TicketMinter) Validate(raw string) (protocol.ClientID, error) {
	var claims SessionTicketClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("identity: unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.ClientID, nil
}

// HashToken returns a SHA-256 hex digest of a token, for audit logging
// without persisting the raw credential (teacher: internal/api/jwt.go
// HashToken).
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DataFeed periodically polls the VATSIM-style controller data feed and
// caches display_name/frequency per ClientId. Freshness target ≤15s (§6).
type DataFeed struct {
	url        string
	httpClient *http.Client
	interval   time.Duration

	mu      sync.RWMutex
	byCID   map[protocol.ClientID]protocol.ClientInfo
	lastErr error
}

// feedEntry is one controller row in the upstream data feed payload.
type feedEntry struct {
	CID       string `json:"cid"`
	Callsign  string `json:"callsign"`
	Frequency string `json:"frequency"`
}

type feedDocument struct {
	Controllers []feedEntry `json:"controllers"`
}

// NewDataFeed builds a DataFeed that has not yet polled; call Start to
// begin the refresh loop.
func NewDataFeed(url string, interval time.Duration) *DataFeed {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &DataFeed{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		interval:   interval,
		byCID:      make(map[protocol.ClientID]protocol.ClientInfo),
	}
}

// Start performs the first poll synchronously, so early Lookup calls aren't
// empty, then returns while later polls run in a background loop.
func (d *DataFeed) Start(ctx context.Context) {
	d.refresh(ctx)
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.refresh(ctx)
			}
		}
	}()
}

func (d *DataFeed) refresh(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		d.setErr(err)
		return
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.setErr(err)
		return
	}
	defer resp.Body.Close()

	var doc feedDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		d.setErr(err)
		return
	}

	next := make(map[protocol.ClientID]protocol.ClientInfo, len(doc.Controllers))
	for _, e := range doc.Controllers {
		next[protocol.ClientID(e.CID)] = protocol.ClientInfo{
			ID:          protocol.ClientID(e.CID),
			DisplayName: e.Callsign,
			Frequency:   e.Frequency,
		}
	}

	d.mu.Lock()
	d.byCID = next
	d.lastErr = nil
	d.mu.Unlock()
}

func (d *DataFeed) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// Lookup returns the client's data-feed-derived info. If the feed has no
// entry (or hasn't successfully polled yet), it returns minimal info
// containing only id, per §6 "if unavailable, client info defaults to
// {id, "", ""}".
func (d *DataFeed) Lookup(id protocol.ClientID) protocol.ClientInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if info, ok := d.byCID[id]; ok {
		return info
	}
	return protocol.ClientInfo{ID: id}
}

// LastError reports the most recent refresh failure, if any, for
// health/metrics reporting.
func (d *DataFeed) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}
