// Package access authorizes privileged calls against a static allow-list of admin accounts.
package access

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/custody/internal/domain"
)

// Gate is an allow-list of admin accounts. The zero value denies every caller.
type Gate struct {
	mu     sync.RWMutex
	admins map[common.Address]struct{}
}

// NewGate creates a gate that admits the given admins.
func NewGate(admins ...common.Address) *Gate {
	g := &Gate{admins: make(map[common.Address]struct{}, len(admins))}
	for _, a := range admins {
		g.admins[a] = struct{}{}
	}
	return g
}

// Authorize fails with domain.ErrUnauthorized unless caller is an admin.
func (g *Gate) Authorize(caller common.Address) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.admins[caller]; !ok {
		return errors.Wrapf(domain.ErrUnauthorized, "caller %s", caller.Hex())
	}
	return nil
}

// Admins lists the admitted accounts.
func (g *Gate) Admins() []common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]common.Address, 0, len(g.admins))
	for a := range g.admins {
		out = append(out, a)
	}
	return out
}
