// Package registry keeps the set of assets that can be valued on the direct path.
package registry

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/domain"
)

type authorizer interface {
	Authorize(caller common.Address) error
}

type registrationWriter interface {
	SaveRegistration(record domain.RegistrationRecord) error
}

// Registry maps assets to their price reference. An asset missing from the map cannot be valued directly.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.Asset]domain.Registration
	gate    authorizer
	store   registrationWriter
	l       *zap.Logger
}

// New creates an empty registry. store may be nil for a purely in-memory registry.
func New(gate authorizer, store registrationWriter, l *zap.Logger) (*Registry, error) {
	if gate == nil {
		return nil, errors.New("access gate is required for registry")
	}
	if l == nil {
		l = zap.NewNop()
	}

	return &Registry{
		entries: make(map[domain.Asset]domain.Registration),
		gate:    gate,
		store:   store,
		l:       l,
	}, nil
}

// Register adds or overwrites the registration of asset.
func (r *Registry) Register(caller common.Address, asset domain.Asset, feed string, decimalsOverride uint8) error {
	if err := r.gate.Authorize(caller); err != nil {
		return err
	}

	reg, err := newRegistration(asset, feed, decimalsOverride)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.persist(domain.RegistrationRecord{Registration: reg}); err != nil {
		return err
	}
	r.entries[reg.Asset] = reg

	r.l.Info("asset registered",
		zap.String("caller", caller.Hex()),
		zap.String("asset", reg.Asset.String()),
		zap.String("feed", reg.Feed),
		zap.Uint8("decimals_override", reg.DecimalsOverride))
	return nil
}

// Unregister removes asset. It fails with domain.ErrAssetNotSupported if the asset was never registered.
func (r *Registry) Unregister(caller common.Address, asset domain.Asset) error {
	if err := r.gate.Authorize(caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[asset]
	if !ok {
		return errors.Wrapf(domain.ErrAssetNotSupported, "asset %s is not registered", asset)
	}

	if err := r.persist(domain.RegistrationRecord{Registration: reg, Removed: true}); err != nil {
		return err
	}
	delete(r.entries, asset)

	r.l.Info("asset unregistered", zap.String("caller", caller.Hex()), zap.String("asset", asset.String()))
	return nil
}

// Lookup returns the registration of asset, if any.
func (r *Registry) Lookup(asset domain.Asset) (domain.Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[asset]
	return reg, ok
}

// All returns registrations sorted by asset.
func (r *Registry) All() []domain.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Restore replays persisted registry changes in log order.
func (r *Registry) Restore(records []domain.RegistrationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if rec.Removed {
			delete(r.entries, rec.Registration.Asset)
			continue
		}
		r.entries[rec.Registration.Asset] = rec.Registration
	}
}

// Bootstrap seeds registrations from configuration. It is a no-op once anything has been registered.
func (r *Registry) Bootstrap(regs []domain.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) > 0 {
		return nil
	}

	for _, in := range regs {
		reg, err := newRegistration(in.Asset, in.Feed, in.DecimalsOverride)
		if err != nil {
			return err
		}
		if err := r.persist(domain.RegistrationRecord{Registration: reg}); err != nil {
			return err
		}
		r.entries[reg.Asset] = reg
	}

	if len(regs) > 0 {
		r.l.Info("registry bootstrapped from configuration", zap.Int("assets", len(regs)))
	}
	return nil
}

func (r *Registry) persist(rec domain.RegistrationRecord) error {
	if r.store == nil {
		return nil
	}
	return errors.Wrap(r.store.SaveRegistration(rec), "persist registration")
}

func newRegistration(asset domain.Asset, feed string, decimalsOverride uint8) (domain.Registration, error) {
	if asset == "" {
		return domain.Registration{}, errors.Wrap(domain.ErrInvalidReference, "empty asset symbol")
	}
	pair, err := domain.ParsePair(feed)
	if err != nil {
		return domain.Registration{}, errors.Wrap(domain.ErrInvalidReference, err.Error())
	}
	if decimalsOverride > domain.MaxDecimals {
		return domain.Registration{}, errors.Wrapf(domain.ErrInvalidReference, "decimals override %d exceeds %d",
			decimalsOverride, domain.MaxDecimals)
	}

	return domain.Registration{
		Asset:            asset,
		Accepted:         true,
		Feed:             pair.String(),
		DecimalsOverride: decimalsOverride,
	}, nil
}
