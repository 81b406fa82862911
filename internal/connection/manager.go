package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/alexjbarnes/toolkit-auth/internal/bearer"
	"github.com/alexjbarnes/toolkit-auth/internal/cache"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/alexjbarnes/toolkit-auth/internal/state"
)

// Store persists connections, the active id and pins. *state.State
// satisfies it.
type Store interface {
	AllConnections() ([]state.Connection, error)
	SaveConnection(c state.Connection) error
	DeleteConnection(id string) error
	ActiveConnection() string
	SetActiveConnection(id string) error
	AllPins() (map[string]string, error)
	SetPin(featureID, connectionID string) error
	DeletePin(featureID string) error
}

// ClassicSource lists classic credential identifiers.
// *credentials.Registry satisfies it.
type ClassicSource interface {
	Identifiers() []models.CredentialIdentifier
	Identifier(id string) (models.CredentialIdentifier, bool)
}

// Options configure a Manager. Classic may be nil.
type Options struct {
	Store       Store
	Catalog     Catalog
	Classic     ClassicSource
	NewProvider ProviderFunc
	Logger      *slog.Logger
}

// LoginRequest names the session to sign in to.
type LoginRequest struct {
	StartURL string
	Region   string
	Scopes   []string
	Label    string
}

// EventKind says what changed in the manager.
type EventKind int

const (
	EventActiveChanged EventKind = iota
	EventConnectionsChanged
	EventPinsChanged
	EventStateChanged
)

// Event is delivered to manager subscribers.
type Event struct {
	Kind         EventKind
	ConnectionID string
}

// Listener receives manager events. It is called without the manager's
// lock held and may call back into the manager.
type Listener func(Event)

// Manager tracks connections and answers which one a feature should use.
type Manager struct {
	store       Store
	catalog     Catalog
	classic     ClassicSource
	newProvider ProviderFunc
	logger      *slog.Logger

	mu      sync.RWMutex
	bearers map[string]*BearerConnection
	subs    map[string]*bearer.Subscription
	active  string
	pins    map[string]string

	// loginLocks serialises Login per connection id.
	loginLocks sync.Map

	subsMu    sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
}

// NewManager restores persisted connections and pins from opts.Store.
func NewManager(opts Options) (*Manager, error) {
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}

	m := &Manager{
		store:       opts.Store,
		catalog:     opts.Catalog,
		classic:     opts.Classic,
		newProvider: opts.NewProvider,
		logger:      opts.Logger,
		bearers:     make(map[string]*BearerConnection),
		subs:        make(map[string]*bearer.Subscription),
		listeners:   make(map[uint64]Listener),
	}

	records, err := opts.Store.AllConnections()
	if err != nil {
		return nil, fmt.Errorf("loading connections: %w", err)
	}

	for _, rec := range records {
		m.registerLocked(m.newBearer(rec))
	}

	pins, err := opts.Store.AllPins()
	if err != nil {
		return nil, fmt.Errorf("loading feature pins: %w", err)
	}

	m.pins = pins
	m.active = opts.Store.ActiveConnection()

	return m, nil
}

func (m *Manager) newBearer(rec state.Connection) *BearerConnection {
	scopes := cache.NormalizeScopes(rec.Scopes)

	return &BearerConnection{
		StartURL: rec.StartURL,
		Region:   rec.Region,
		Scopes:   scopes,
		label:    rec.Label,
		Provider: m.newProvider(bearer.Config{
			ID:       BearerID(rec.Region, rec.StartURL),
			StartURL: rec.StartURL,
			Region:   rec.Region,
			Scopes:   scopes,
		}),
	}
}

// registerLocked adds conn, replacing any connection with the same id.
func (m *Manager) registerLocked(conn *BearerConnection) {
	id := conn.ID()

	if old, ok := m.bearers[id]; ok && old != conn {
		m.subs[id].Close()
		old.Provider.Close()
	}

	m.bearers[id] = conn
	m.subs[id] = conn.Provider.Subscribe(m.onProviderEvent)
}

// onProviderEvent runs while the provider holds its own lock, so it only
// touches manager state.
func (m *Manager) onProviderEvent(ev bearer.Event) {
	if ev.Kind == bearer.EventInvalidated {
		m.mu.Lock()

		deactivated := m.active == ev.ProviderID
		if deactivated {
			m.active = ""

			if err := m.store.SetActiveConnection(""); err != nil {
				m.logger.Warn("clearing active connection",
					slog.String("connection", ev.ProviderID),
					slog.String("error", err.Error()),
				)
			}
		}

		m.mu.Unlock()

		if deactivated {
			m.logger.Info("active connection signed out", slog.String("connection", ev.ProviderID))
			m.notify(Event{Kind: EventActiveChanged, ConnectionID: ev.ProviderID})
		}
	}

	m.notify(Event{Kind: EventStateChanged, ConnectionID: ev.ProviderID})
}

// --- Lookups ---

func (m *Manager) lookupLocked(id string) (Connection, bool) {
	if id == "" {
		return nil, false
	}

	if c, ok := m.bearers[id]; ok {
		return c, true
	}

	if m.classic != nil {
		if ident, ok := m.classic.Identifier(id); ok {
			return &ClassicConnection{Identifier: ident}, true
		}
	}

	return nil, false
}

func (m *Manager) knownLocked() []Connection {
	out := make([]Connection, 0, len(m.bearers))

	for _, id := range slices.Sorted(maps.Keys(m.bearers)) {
		out = append(out, m.bearers[id])
	}

	if m.classic != nil {
		for _, ident := range m.classic.Identifiers() {
			out = append(out, &ClassicConnection{Identifier: ident})
		}
	}

	return out
}

func qualifies(conn Connection, f Feature) bool {
	switch c := conn.(type) {
	case *BearerConnection:
		return c.Grants(f.RequiredScopes)
	case *ClassicConnection:
		return f.SupportsClassic
	default:
		return false
	}
}

func (m *Manager) feature(featureID string) (Feature, error) {
	f, ok := m.catalog[featureID]
	if !ok {
		return Feature{}, fmt.Errorf("%w: %s", autherrors.ErrFeatureNotFound, featureID)
	}

	return f, nil
}

// validPinLocked reports whether featureID is pinned to a known
// connection that still qualifies.
func (m *Manager) validPinLocked(f Feature) (Connection, bool) {
	id, ok := m.pins[f.ID]
	if !ok {
		return nil, false
	}

	c, ok := m.lookupLocked(id)
	if !ok || !qualifies(c, f) {
		return nil, false
	}

	return c, true
}

// Connections returns every known connection: bearer connections in id
// order, then classic ones.
func (m *Manager) Connections() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.knownLocked()
}

// Active returns the active connection.
func (m *Manager) Active() (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lookupLocked(m.active)
}

// Bearer returns the bearer connection with the given id.
func (m *Manager) Bearer(id string) (*BearerConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.bearers[id]

	return c, ok
}

func (m *Manager) Catalog() Catalog {
	return m.catalog
}

// ActiveConnectionForFeature picks the connection featureID should use:
// its pin if the pinned connection still qualifies, else the active
// connection if it qualifies, else the first qualifying known one.
func (m *Manager) ActiveConnectionForFeature(featureID string) (Connection, error) {
	f, err := m.feature(featureID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.validPinLocked(f); ok {
		return c, nil
	}

	if c, ok := m.lookupLocked(m.active); ok && qualifies(c, f) {
		return c, nil
	}

	for _, c := range m.knownLocked() {
		if qualifies(c, f) {
			return c, nil
		}
	}

	return nil, fmt.Errorf("%w for feature %s", autherrors.ErrConnectionNotFound, featureID)
}

// ConnectionStateForFeature reports the sign-in state of the feature's
// connection. Classic connections are always AUTHORIZED; no connection
// at all is NOT_AUTHENTICATED.
func (m *Manager) ConnectionStateForFeature(featureID string) (models.AuthState, error) {
	c, err := m.ActiveConnectionForFeature(featureID)

	switch {
	case errors.Is(err, autherrors.ErrConnectionNotFound):
		return models.StateNotAuthenticated, nil
	case err != nil:
		return "", err
	}

	if b, ok := c.(*BearerConnection); ok {
		return b.Provider.State(), nil
	}

	return models.StateAuthorized, nil
}

// --- Switching and pins ---

// SwitchConnection makes id the active connection. Features that only
// the previous connection served are pinned to it, and features that
// only the new one serves are pinned to the new one. Features with a
// valid pin keep it.
func (m *Manager) SwitchConnection(id string) error {
	m.mu.Lock()

	target, ok := m.lookupLocked(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", autherrors.ErrConnectionNotFound, id)
	}

	pinsChanged, err := m.switchLocked(target)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	m.notifySwitch(id, pinsChanged)

	return nil
}

func (m *Manager) switchLocked(target Connection) (bool, error) {
	pinsChanged := false

	prev, ok := m.lookupLocked(m.active)
	if ok && prev.ID() != target.ID() {
		for _, fid := range m.catalog.IDs() {
			f := m.catalog[fid]
			if _, pinned := m.validPinLocked(f); pinned {
				continue
			}

			before, after := qualifies(prev, f), qualifies(target, f)

			var pinTo string

			switch {
			case before && !after:
				pinTo = prev.ID()
			case !before && after:
				pinTo = target.ID()
			default:
				continue
			}

			if err := m.store.SetPin(fid, pinTo); err != nil {
				return pinsChanged, fmt.Errorf("pinning %s: %w", fid, err)
			}

			m.pins[fid] = pinTo
			pinsChanged = true
		}
	}

	if err := m.store.SetActiveConnection(target.ID()); err != nil {
		return pinsChanged, fmt.Errorf("saving active connection: %w", err)
	}

	m.active = target.ID()

	m.logger.Info("switched connection",
		slog.String("connection", target.ID()),
		slog.String("type", string(target.Type())),
	)

	return pinsChanged, nil
}

func (m *Manager) notifySwitch(id string, pinsChanged bool) {
	if pinsChanged {
		m.notify(Event{Kind: EventPinsChanged, ConnectionID: id})
	}

	m.notify(Event{Kind: EventActiveChanged, ConnectionID: id})
}

// PinFeature ties featureID to connectionID regardless of the active
// connection. The connection must qualify for the feature.
func (m *Manager) PinFeature(featureID, connectionID string) error {
	f, err := m.feature(featureID)
	if err != nil {
		return err
	}

	m.mu.Lock()

	c, ok := m.lookupLocked(connectionID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", autherrors.ErrConnectionNotFound, connectionID)
	}

	if !qualifies(c, f) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s cannot serve %s", autherrors.ErrScopeMismatch, connectionID, featureID)
	}

	if err := m.store.SetPin(featureID, connectionID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("saving pin: %w", err)
	}

	m.pins[featureID] = connectionID
	m.mu.Unlock()

	m.notify(Event{Kind: EventPinsChanged, ConnectionID: connectionID})

	return nil
}

// UnpinFeature removes featureID's pin. Unpinning an unpinned feature is
// a no-op.
func (m *Manager) UnpinFeature(featureID string) error {
	m.mu.Lock()

	id, ok := m.pins[featureID]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	if err := m.store.DeletePin(featureID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("deleting pin: %w", err)
	}

	delete(m.pins, featureID)
	m.mu.Unlock()

	m.notify(Event{Kind: EventPinsChanged, ConnectionID: id})

	return nil
}

// PinnedConnection returns the connection featureID is pinned to, if
// that connection is still known.
func (m *Manager) PinnedConnection(featureID string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pins[featureID]
	if !ok {
		return nil, false
	}

	return m.lookupLocked(id)
}

// --- Sign-in ---

func (m *Manager) loginLock(id string) *sync.Mutex {
	l, _ := m.loginLocks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Login signs in to req and makes the connection active. An existing
// connection whose scopes already cover req is reused; otherwise the
// scopes are merged into a new connection that replaces it once the
// sign-in succeeds.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (*BearerConnection, error) {
	if req.StartURL == "" || req.Region == "" {
		return nil, fmt.Errorf("start URL and region are required")
	}

	scopes := cache.NormalizeScopes(req.Scopes)
	id := BearerID(req.Region, req.StartURL)

	lock := m.loginLock(id)
	lock.Lock()
	defer lock.Unlock()

	existing, _ := m.Bearer(id)

	if existing != nil && existing.Grants(scopes) {
		if err := m.reauth(ctx, existing); err != nil {
			return nil, err
		}

		return existing, m.SwitchConnection(id)
	}

	rec := state.Connection{
		ID:       id,
		StartURL: req.StartURL,
		Region:   req.Region,
		Scopes:   scopes,
		Label:    req.Label,
	}

	if existing != nil {
		rec.Scopes = cache.NormalizeScopes(lo.Union(existing.Scopes, scopes))
		rec.Label = existing.label

		m.logger.Info("widening connection scopes",
			slog.String("connection", id),
			slog.Any("scopes", rec.Scopes),
		)
	}

	conn := m.newBearer(rec)

	if err := m.reauth(ctx, conn); err != nil {
		conn.Provider.Close()
		return nil, err
	}

	m.mu.Lock()

	if err := m.store.SaveConnection(rec); err != nil {
		m.mu.Unlock()
		conn.Provider.Close()

		return nil, fmt.Errorf("saving connection: %w", err)
	}

	m.registerLocked(conn)
	pinsChanged, err := m.switchLocked(conn)
	m.mu.Unlock()

	m.notify(Event{Kind: EventConnectionsChanged, ConnectionID: id})

	if err != nil {
		return nil, err
	}

	m.notifySwitch(id, pinsChanged)

	return conn, nil
}

// ReauthIfNeeded makes sure connection id has a usable token. It tries a
// refresh first and falls back to the interactive flow, blocking until
// the flow finishes or ctx is cancelled. Classic connections need no
// sign-in.
func (m *Manager) ReauthIfNeeded(ctx context.Context, id string) error {
	m.mu.RLock()
	c, ok := m.lookupLocked(id)
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", autherrors.ErrConnectionNotFound, id)
	}

	b, ok := c.(*BearerConnection)
	if !ok {
		return nil
	}

	return m.reauth(ctx, b)
}

func (m *Manager) reauth(ctx context.Context, conn *BearerConnection) error {
	switch conn.Provider.State() {
	case models.StateAuthorized:
		return nil
	case models.StateNeedsRefresh:
		_, err := conn.Provider.ResolveToken(ctx)
		if err == nil {
			return nil
		}

		m.logger.Debug("refresh failed, signing in again",
			slog.String("connection", conn.ID()),
			slog.String("error", err.Error()),
		)
	}

	// SignIn joins a flow another caller already started.
	if _, err := conn.Provider.SignIn(ctx); err != nil {
		return fmt.Errorf("signing in to %s: %w", conn.ID(), err)
	}

	return nil
}

// Logout deletes a bearer connection's token and forgets the connection
// together with its pins. For a classic connection only the pins and
// active flag are dropped.
func (m *Manager) Logout(ctx context.Context, id string) error {
	m.mu.Lock()

	if _, ok := m.lookupLocked(id); !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", autherrors.ErrConnectionNotFound, id)
	}

	if err := m.store.DeleteConnection(id); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("forgetting connection: %w", err)
	}

	wasActive := m.active == id
	if wasActive {
		m.active = ""
	}

	maps.DeleteFunc(m.pins, func(_, v string) bool { return v == id })

	conn, isBearer := m.bearers[id]
	sub := m.subs[id]

	delete(m.bearers, id)
	delete(m.subs, id)
	m.mu.Unlock()

	var err error

	if isBearer {
		sub.Close()

		if err = conn.Provider.Invalidate(ctx); err != nil {
			err = fmt.Errorf("deleting token for %s: %w", id, err)
		}

		conn.Provider.Close()
	}

	m.logger.Info("signed out", slog.String("connection", id))

	m.notify(Event{Kind: EventConnectionsChanged, ConnectionID: id})

	if wasActive {
		m.notify(Event{Kind: EventActiveChanged, ConnectionID: id})
	}

	return err
}

// Close releases every provider. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, conn := range m.bearers {
		m.subs[id].Close()
		conn.Provider.Close()
	}

	clear(m.bearers)
	clear(m.subs)

	m.subsMu.Lock()
	clear(m.listeners)
	m.subsMu.Unlock()
}

// --- Subscriptions ---

// Subscription is returned by Subscribe.
type Subscription struct {
	once  sync.Once
	close func()
}

// Close stops delivery to the listener. It is safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

// Subscribe registers fn for manager events.
func (m *Manager) Subscribe(fn Listener) *Subscription {
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.subsMu.Unlock()

	return &Subscription{close: func() {
		m.subsMu.Lock()
		delete(m.listeners, id)
		m.subsMu.Unlock()
	}}
}

func (m *Manager) notify(ev Event) {
	m.subsMu.Lock()
	ids := slices.Sorted(maps.Keys(m.listeners))

	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.subsMu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
