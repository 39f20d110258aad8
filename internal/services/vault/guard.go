package vault

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/custody/internal/domain"
)

type opClass string

const (
	classLedger opClass = "ledger"
	classAdmin  opClass = "admin"
)

type heldKey struct{}

// guard admits one call per operation class at a time. The context handed to the
// holder is marked, so a call that comes back through a collaborator carrying it
// is rejected instead of waiting on itself.
type guard struct {
	slots map[opClass]chan struct{}
}

func newGuard() *guard {
	return &guard{slots: map[opClass]chan struct{}{
		classLedger: make(chan struct{}, 1),
		classAdmin:  make(chan struct{}, 1),
	}}
}

func holds(ctx context.Context, class opClass) bool {
	held, _ := ctx.Value(heldKey{}).([]opClass)
	for _, c := range held {
		if c == class {
			return true
		}
	}
	return false
}

// enter waits for the slot of class. The returned release must be called exactly once.
func (g *guard) enter(ctx context.Context, class opClass) (context.Context, func(), error) {
	if holds(ctx, class) {
		return ctx, func() {}, errors.Wrapf(domain.ErrReentrant, "%s operation already in flight", class)
	}

	slot := g.slots[class]
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return ctx, func() {}, errors.Wrapf(ctx.Err(), "waiting for %s slot", class)
	}

	held, _ := ctx.Value(heldKey{}).([]opClass)
	next := make([]opClass, 0, len(held)+1)
	next = append(next, held...)
	next = append(next, class)

	return context.WithValue(ctx, heldKey{}, next), func() { <-slot }, nil
}

// enterAll takes the slots in a fixed order.
func (g *guard) enterAll(ctx context.Context, classes ...opClass) (context.Context, func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, class := range classes {
		next, release, err := g.enter(ctx, class)
		if err != nil {
			releaseAll()
			return ctx, func() {}, err
		}
		ctx = next
		releases = append(releases, release)
	}
	return ctx, releaseAll, nil
}
