// Package credentials discovers classic AWS credential sources (access
// keys, shared profiles, instance metadata) and hands out providers for
// them.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/sync/errgroup"

	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

const fallbackRegion = "us-east-1"

// CallerIdentityAPI is the STS call used to validate credentials.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerIdentity is who a set of credentials belongs to.
type CallerIdentity struct {
	Account string `json:"account"`
	ARN     string `json:"arn"`
	UserID  string `json:"user_id"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSTSEndpoint points Validate at a non-default STS endpoint.
func WithSTSEndpoint(endpoint string) RegistryOption {
	return func(r *Registry) {
		r.sts = func(cfg aws.Config) CallerIdentityAPI {
			return sts.NewFromConfig(cfg, func(o *sts.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		}
	}
}

type providerKey struct {
	id     string
	region string
}

type registryEntry struct {
	identifier models.CredentialIdentifier
	factory    Factory
}

// Registry merges the identifiers reported by its factories into one
// directory keyed by identifier ID.
type Registry struct {
	factories []Factory
	logger    *slog.Logger
	sts       func(aws.Config) CallerIdentityAPI

	mu        sync.RWMutex
	entries   map[string]registryEntry
	providers map[providerKey]aws.CredentialsProvider

	// deliverMu orders updates so every subscriber sees events in the
	// order they were applied.
	deliverMu sync.Mutex

	subsMu sync.Mutex
	subs   map[uint64]Listener
	nextID uint64
}

// NewRegistry creates a registry over factories. Call Start to run
// discovery.
func NewRegistry(factories []Factory, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: factories,
		logger:    logger,
		sts: func(cfg aws.Config) CallerIdentityAPI {
			return sts.NewFromConfig(cfg)
		},
		entries:   make(map[string]registryEntry),
		providers: make(map[providerKey]aws.CredentialsProvider),
		subs:      make(map[uint64]Listener),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start runs every factory's SetUp concurrently and returns once all of
// them have reported their initial identifiers. A factory that fails or
// panics is logged and skipped. Watchers started by factories stop when
// ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	var g errgroup.Group

	for _, f := range r.factories {
		g.Go(func() error {
			r.setUp(ctx, f)
			return nil
		})
	}

	_ = g.Wait()
}

func (r *Registry) setUp(ctx context.Context, f Factory) {
	factoryID := f.ID()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("credential factory panicked during setup",
				slog.String("factory", factoryID),
				slog.Any("panic", rec),
			)
		}
	}()

	err := f.SetUp(ctx, func(ev models.CredentialsChangeEvent) {
		r.apply(f, ev)
	})
	if err != nil {
		r.logger.Error("credential factory setup failed",
			slog.String("factory", factoryID),
			slog.String("error", err.Error()),
		)
	}
}

// apply merges a factory event into the directory and forwards the
// effective change to subscribers.
func (r *Registry) apply(f Factory, ev models.CredentialsChangeEvent) {
	if err := ev.Validate(); err != nil {
		r.logger.Warn("dropping inconsistent credentials event",
			slog.String("factory", f.ID()),
			slog.String("error", err.Error()),
		)

		return
	}

	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	var out models.CredentialsChangeEvent

	r.mu.Lock()

	for _, id := range slices.Concat(ev.Added, ev.Modified) {
		_, known := r.entries[id.ID]
		r.entries[id.ID] = registryEntry{identifier: id, factory: f}

		if known {
			r.dropProvidersLocked(id.ID)
			out.Modified = append(out.Modified, id)
		} else {
			out.Added = append(out.Added, id)
		}
	}

	for _, id := range ev.Removed {
		if _, known := r.entries[id.ID]; !known {
			continue
		}

		delete(r.entries, id.ID)
		r.dropProvidersLocked(id.ID)
		out.Removed = append(out.Removed, id)
	}

	r.mu.Unlock()

	if out.Empty() {
		return
	}

	r.logger.Debug("credential identifiers changed",
		slog.String("factory", f.ID()),
		slog.Int("added", len(out.Added)),
		slog.Int("modified", len(out.Modified)),
		slog.Int("removed", len(out.Removed)),
	)

	for _, fn := range r.listeners() {
		fn(out)
	}
}

func (r *Registry) dropProvidersLocked(id string) {
	for k := range r.providers {
		if k.id == id {
			delete(r.providers, k)
		}
	}
}

// Identifiers returns all known identifiers sorted by ID.
func (r *Registry) Identifiers() []models.CredentialIdentifier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.CredentialIdentifier, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.identifier)
	}

	slices.SortFunc(out, func(a, b models.CredentialIdentifier) int {
		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Identifier looks up one identifier.
func (r *Registry) Identifier(id string) (models.CredentialIdentifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]

	return e.identifier, ok
}

// Provider returns a caching credentials provider for id in region.
// An empty region uses the identifier's default region.
func (r *Registry) Provider(ctx context.Context, id, region string) (aws.CredentialsProvider, error) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", autherrors.ErrCredentialNotFound, id)
	}

	region = resolveRegion(region, entry.identifier)
	key := providerKey{id: id, region: region}

	r.mu.RLock()
	cached, ok := r.providers[key]
	r.mu.RUnlock()

	if ok {
		return cached, nil
	}

	p, err := entry.factory.CreateProvider(ctx, entry.identifier, region)
	if err != nil {
		return nil, fmt.Errorf("creating provider for %s: %w", id, err)
	}

	p = aws.NewCredentialsCache(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	// The identifier may have been modified or removed while the provider
	// was being built; only cache against the entry we started from.
	if current, ok := r.entries[id]; ok && current.identifier == entry.identifier {
		if existing, ok := r.providers[key]; ok {
			return existing, nil
		}

		r.providers[key] = p
	}

	return p, nil
}

// Validate resolves id's credentials and asks STS who they belong to.
func (r *Registry) Validate(ctx context.Context, id, region string) (CallerIdentity, error) {
	entry, ok := r.Identifier(id)
	if !ok {
		return CallerIdentity{}, fmt.Errorf("%w: %s", autherrors.ErrCredentialNotFound, id)
	}

	region = resolveRegion(region, entry)

	p, err := r.Provider(ctx, id, region)
	if err != nil {
		return CallerIdentity{}, err
	}

	out, err := r.sts(aws.Config{Region: region, Credentials: p}).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return CallerIdentity{}, fmt.Errorf("validating %s: %w", id, err)
	}

	return CallerIdentity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

// --- Subscriptions ---

// Subscription is returned by Subscribe.
type Subscription struct {
	once  sync.Once
	close func()
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

// Subscribe registers fn for consolidated identifier changes. Each
// subscriber receives events in the order the registry applied them;
// there is no ordering between factories.
func (r *Registry) Subscribe(fn Listener) *Subscription {
	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subsMu.Unlock()

	return &Subscription{close: func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}}
}

func (r *Registry) listeners() []Listener {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.subs[id])
	}

	return out
}

func resolveRegion(region string, id models.CredentialIdentifier) string {
	switch {
	case region != "":
		return region
	case id.DefaultRegion != "":
		return id.DefaultRegion
	default:
		return fallbackRegion
	}
}
