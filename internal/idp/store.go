// Package idp is a local stand-in for the AWS SSO-OIDC service. It speaks
// the same REST-JSON protocol as the regional endpoint, so the real SDK
// client can register, run device and PKCE grants, and refresh against
// it. All state is in memory.
package idp

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Client is a registered OIDC client.
type Client struct {
	ID           string
	Secret       string
	Name         string
	Type         string
	Scopes       []string
	GrantTypes   []string
	RedirectURIs []string
	IssuerURL    string
	ExpiresAt    time.Time
}

// DeviceGrant is a pending device authorization.
type DeviceGrant struct {
	DeviceCode string
	UserCode   string
	ClientID   string
	StartURL   string
	Scopes     []string
	Interval   time.Duration
	ExpiresAt  time.Time
	LastPoll   time.Time
	Approved   bool
	Denied     bool
}

// AuthCode is an authorization code waiting to be exchanged.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scopes        []string
	ExpiresAt     time.Time
}

// TokenInfo is an issued access token.
type TokenInfo struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// RefreshGrant lets a client mint new access tokens.
type RefreshGrant struct {
	Token    string
	ClientID string
	Scopes   []string
}

// Options tune lifetimes and behaviour. Zero values take the defaults.
type Options struct {
	ClientTTL     time.Duration
	DeviceCodeTTL time.Duration
	TokenTTL      time.Duration
	PollInterval  time.Duration

	// AutoApprove approves device grants and authorization requests
	// without showing a consent page.
	AutoApprove bool
}

const (
	defaultClientTTL     = 90 * 24 * time.Hour
	defaultDeviceCodeTTL = 10 * time.Minute
	defaultTokenTTL      = time.Hour
	defaultPollInterval  = 5 * time.Second

	// slowDownStep is added to a grant's interval each time a client
	// polls too early.
	slowDownStep = 5 * time.Second

	codeExpiry = 5 * time.Minute

	// csrfExpiry controls how long a consent form remains valid.
	csrfExpiry = 10 * time.Minute

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute

	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
)

// csrfEntry tracks a consent form token with its expiry time.
type csrfEntry struct {
	expiresAt time.Time
}

// Store holds all emulator state.
type Store struct {
	opts Options
	now  func() time.Time

	mu        sync.RWMutex
	clients   map[string]*Client       // client id -> Client
	devices   map[string]*DeviceGrant  // device code -> grant
	userCodes map[string]string        // user code -> device code
	codes     map[string]*AuthCode     // code -> AuthCode
	tokens    map[string]*TokenInfo    // access token -> TokenInfo
	refresh   map[string]*RefreshGrant // refresh token -> grant
	csrf      map[string]csrfEntry
	stopGC    chan struct{}
	stopOnce  sync.Once
}

// NewStore creates an empty store and starts a background goroutine that
// periodically removes expired entries. Call Stop to end it.
func NewStore(opts Options) *Store {
	if opts.ClientTTL <= 0 {
		opts.ClientTTL = defaultClientTTL
	}

	if opts.DeviceCodeTTL <= 0 {
		opts.DeviceCodeTTL = defaultDeviceCodeTTL
	}

	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	s := &Store{
		opts:      opts,
		now:       time.Now,
		clients:   make(map[string]*Client),
		devices:   make(map[string]*DeviceGrant),
		userCodes: make(map[string]string),
		codes:     make(map[string]*AuthCode),
		tokens:    make(map[string]*TokenInfo),
		refresh:   make(map[string]*RefreshGrant),
		csrf:      make(map[string]csrfEntry),
		stopGC:    make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries from the store.
func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, c := range s.clients {
		if now.After(c.ExpiresAt) {
			delete(s.clients, k)
		}
	}

	for k, g := range s.devices {
		if now.After(g.ExpiresAt) {
			delete(s.userCodes, g.UserCode)
			delete(s.devices, k)
		}
	}

	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
		}
	}

	for k, ti := range s.tokens {
		if now.After(ti.ExpiresAt) {
			delete(s.tokens, k)
		}
	}

	for k, entry := range s.csrf {
		if now.After(entry.expiresAt) {
			delete(s.csrf, k)
		}
	}
}

// --- Clients ---

// RegisterClient stores c with a fresh id, secret and expiry.
func (s *Store) RegisterClient(c Client) Client {
	c.ID = RandomHex(16)
	c.Secret = RandomHex(32)
	c.ExpiresAt = s.now().Add(s.opts.ClientTTL).Truncate(time.Second)

	s.mu.Lock()
	s.clients[c.ID] = &c
	s.mu.Unlock()

	return c
}

// AuthenticateClient returns the client when id and secret match and
// the registration has not expired.
func (s *Store) AuthenticateClient(id, secret string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok || c.Secret != secret || s.now().After(c.ExpiresAt) {
		return Client{}, false
	}

	return *c, true
}

// GetClient returns a client by id, or false.
func (s *Store) GetClient(id string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return Client{}, false
	}

	return *c, true
}

// RevokeClient forgets a client. Its outstanding refresh tokens stop
// working.
func (s *Store) RevokeClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// --- Device grants ---

// StartDevice creates a pending device grant for client.
func (s *Store) StartDevice(clientID, startURL string, scopes []string) DeviceGrant {
	g := &DeviceGrant{
		DeviceCode: RandomHex(32),
		UserCode:   randomUserCode(),
		ClientID:   clientID,
		StartURL:   startURL,
		Scopes:     scopes,
		Interval:   s.opts.PollInterval,
		ExpiresAt:  s.now().Add(s.opts.DeviceCodeTTL),
		Approved:   s.opts.AutoApprove,
	}

	s.mu.Lock()
	s.devices[g.DeviceCode] = g
	s.userCodes[g.UserCode] = g.DeviceCode
	s.mu.Unlock()

	return *g
}

// DeviceByUserCode returns the grant a user code belongs to.
func (s *Store) DeviceByUserCode(userCode string) (DeviceGrant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.devices[s.userCodes[normalizeUserCode(userCode)]]
	if !ok {
		return DeviceGrant{}, false
	}

	return *g, true
}

// DecideDevice records the user's answer for a user code. It returns
// false when the code is unknown or expired.
func (s *Store) DecideDevice(userCode string, approve bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.devices[s.userCodes[normalizeUserCode(userCode)]]
	if !ok || s.now().After(g.ExpiresAt) {
		return false
	}

	g.Approved = approve
	g.Denied = !approve

	return true
}

// devicePoll is the outcome of polling a device grant.
type devicePoll int

const (
	pollUnknown devicePoll = iota
	pollPending
	pollSlowDown
	pollExpired
	pollDenied
	pollApproved
)

// PollDevice classifies a token request for deviceCode. An approved
// grant is consumed. Polling sooner than the grant's interval slows the
// client down.
func (s *Store) PollDevice(deviceCode, clientID string) (devicePoll, DeviceGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.devices[deviceCode]
	if !ok || g.ClientID != clientID {
		return pollUnknown, DeviceGrant{}
	}

	now := s.now()

	switch {
	case now.After(g.ExpiresAt):
		return pollExpired, *g
	case g.Denied:
		return pollDenied, *g
	case g.Approved:
		delete(s.devices, deviceCode)
		delete(s.userCodes, g.UserCode)

		return pollApproved, *g
	}

	tooSoon := !g.LastPoll.IsZero() && now.Sub(g.LastPoll) < g.Interval
	g.LastPoll = now

	if tooSoon {
		g.Interval += slowDownStep
		return pollSlowDown, *g
	}

	return pollPending, *g
}

// --- Authorization codes ---

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code.
// Returns nil if not found or expired.
func (s *Store) ConsumeCode(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}
	delete(s.codes, code)

	if s.now().After(ac.ExpiresAt) {
		return nil
	}

	return ac
}

// --- Tokens ---

// IssueTokens mints an access token and a refresh token for client.
func (s *Store) IssueTokens(clientID string, scopes []string) (TokenInfo, RefreshGrant) {
	ti := &TokenInfo{
		Token:     "aoa" + RandomHex(32),
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: s.now().Add(s.opts.TokenTTL),
	}
	rg := &RefreshGrant{
		Token:    "aor" + RandomHex(32),
		ClientID: clientID,
		Scopes:   scopes,
	}

	s.mu.Lock()
	s.tokens[ti.Token] = ti
	s.refresh[rg.Token] = rg
	s.mu.Unlock()

	return *ti, *rg
}

// ConsumeRefresh retrieves and deletes a refresh token issued to
// clientID. Refresh tokens rotate on every use.
func (s *Store) ConsumeRefresh(token, clientID string) (RefreshGrant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rg, ok := s.refresh[token]
	if !ok || rg.ClientID != clientID {
		return RefreshGrant{}, false
	}
	delete(s.refresh, token)

	return *rg, true
}

// RevokeRefresh invalidates every refresh token issued to clientID.
func (s *Store) RevokeRefresh(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rg := range s.refresh {
		if rg.ClientID == clientID {
			delete(s.refresh, k)
		}
	}
}

// ValidateToken checks if a token is valid and not expired.
// Returns nil if invalid.
func (s *Store) ValidateToken(token string) *TokenInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ti, ok := s.tokens[token]
	if !ok || s.now().After(ti.ExpiresAt) {
		return nil
	}

	return ti
}

// --- CSRF ---

// SaveCSRF stores a consent form token with a fixed expiry.
func (s *Store) SaveCSRF(token string) {
	s.mu.Lock()
	s.csrf[token] = csrfEntry{expiresAt: s.now().Add(csrfExpiry)}
	s.mu.Unlock()
}

// ConsumeCSRF retrieves and deletes a consent form token.
// Returns false if the token is not found, empty, or expired.
func (s *Store) ConsumeCSRF(token string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.csrf[token]
	if !ok {
		return false
	}
	delete(s.csrf, token)

	return s.now().Before(entry.expiresAt)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// randomUserCode returns a code like "BDFG-HJKL".
func randomUserCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	code := make([]byte, 0, 9)
	for i, v := range b {
		if i == 4 {
			code = append(code, '-')
		}

		code = append(code, userCodeAlphabet[int(v)%len(userCodeAlphabet)])
	}

	return string(code)
}

func normalizeUserCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
