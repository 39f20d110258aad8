// Package custody is the asset layer: token contracts, holder balances and transfers.
package custody

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/storage/simstate"
)

// Token is a token contract known to the chain.
type Token struct {
	Symbol   domain.Asset
	Decimals uint8
	// ReportsDecimals is false for tokens whose decimals() call reverts.
	ReportsDecimals bool
}

// TransferHook runs before a transfer is applied, with the context of the caller that
// initiated it. An error aborts the transfer.
type TransferHook func(ctx context.Context, asset domain.Asset, from, to domain.Account, amount *uint256.Int) error

type stateStore interface {
	Load() (*simstate.State, error)
	Save(state simstate.State) error
}

// Chain is safe for concurrent use. Every change is saved before it returns.
type Chain struct {
	mu       sync.RWMutex
	tokens   map[domain.Asset]Token
	balances map[domain.Asset]map[domain.Account]*uint256.Int
	hook     TransferHook
	store    stateStore
	logger   *zap.Logger
}

// NewChain restores the chain from store. store may be nil for an in-memory chain.
func NewChain(store stateStore, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Chain{
		tokens:   make(map[domain.Asset]Token),
		balances: make(map[domain.Asset]map[domain.Account]*uint256.Int),
		store:    store,
		logger:   logger,
	}
	if err := c.restoreState(); err != nil {
		return nil, err
	}

	return c, nil
}

// SetHook installs the transfer hook. A nil hook removes it.
func (c *Chain) SetHook(hook TransferHook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hook = hook
}

// AddToken deploys a token. Deploying an existing symbol updates its metadata and keeps balances.
func (c *Chain) AddToken(token Token) error {
	if token.Symbol == "" {
		return errors.New("token symbol is required")
	}
	if token.Decimals > domain.MaxDecimals {
		return errors.Errorf("token %s: %d decimals exceeds %d", token.Symbol, token.Decimals, domain.MaxDecimals)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.tokens[token.Symbol]
	c.tokens[token.Symbol] = token
	if _, ok := c.balances[token.Symbol]; !ok {
		c.balances[token.Symbol] = make(map[domain.Account]*uint256.Int)
	}

	if err := c.saveLocked(); err != nil {
		if existed {
			c.tokens[token.Symbol] = prev
		} else {
			delete(c.tokens, token.Symbol)
			delete(c.balances, token.Symbol)
		}
		return err
	}

	return nil
}

// Tokens returns every deployed token sorted by symbol.
func (c *Chain) Tokens() []Token {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Token, 0, len(c.tokens))
	for _, t := range c.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Token returns the deployed metadata of asset, including decimals the token does not report.
func (c *Chain) Token(asset domain.Asset) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.tokens[asset]
	return token, ok
}

// Mint credits amount of asset to holder.
func (c *Chain) Mint(asset domain.Asset, to domain.Account, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	holders, err := c.holdersLocked(asset)
	if err != nil {
		return err
	}

	before := balanceOf(holders, to)
	after, overflow := new(uint256.Int).AddOverflow(before, amount)
	if overflow {
		return errors.Errorf("mint of %s %s overflows balance of %s", amount.Dec(), asset, to.Hex())
	}

	holders[to] = after
	if err := c.saveLocked(); err != nil {
		holders[to] = before
		return err
	}

	c.logger.Debug("minted",
		zap.String("asset", asset.String()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.Dec()))
	return nil
}

// Transfer moves amount of asset from one holder to another.
func (c *Chain) Transfer(ctx context.Context, asset domain.Asset, from, to domain.Account, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errors.New("transfer amount must be positive")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	hook := c.hook
	c.mu.RUnlock()

	// the hook runs without the lock so that it may call back into the chain
	if hook != nil {
		if err := hook(ctx, asset, from, to, amount); err != nil {
			return errors.Wrap(err, "transfer hook")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	holders, err := c.holdersLocked(asset)
	if err != nil {
		return err
	}

	fromBefore := balanceOf(holders, from)
	if amount.Gt(fromBefore) {
		return errors.Errorf("%s balance of %s is %s, transfer of %s", asset, from.Hex(), fromBefore.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}

	toBefore := balanceOf(holders, to)
	toAfter, overflow := new(uint256.Int).AddOverflow(toBefore, amount)
	if overflow {
		return errors.Errorf("transfer overflows %s balance of %s", asset, to.Hex())
	}

	holders[from] = new(uint256.Int).Sub(fromBefore, amount)
	holders[to] = toAfter
	if err := c.saveLocked(); err != nil {
		holders[from] = fromBefore
		holders[to] = toBefore
		return err
	}

	return nil
}

// BalanceOf returns a copy of holder's balance of asset.
func (c *Chain) BalanceOf(_ context.Context, asset domain.Asset, holder domain.Account) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	holders, err := c.holdersLocked(asset)
	if err != nil {
		return nil, err
	}
	return balanceOf(holders, holder).Clone(), nil
}

// Decimals returns the decimals reported by the token contract.
func (c *Chain) Decimals(_ context.Context, asset domain.Asset) (uint8, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.tokens[asset]
	if !ok {
		return 0, errors.Wrapf(domain.ErrAssetNotSupported, "token %s is not deployed", asset)
	}
	if !token.ReportsDecimals {
		return 0, errors.Wrapf(domain.ErrDecimalsUnknown, "token %s", asset)
	}
	return token.Decimals, nil
}

// Transfers returns the transfer service of the custody account.
func (c *Chain) Transfers(custody domain.Account) *Transfers {
	return &Transfers{chain: c, custody: custody}
}

func (c *Chain) holdersLocked(asset domain.Asset) (map[domain.Account]*uint256.Int, error) {
	if _, ok := c.tokens[asset]; !ok {
		return nil, errors.Wrapf(domain.ErrAssetNotSupported, "token %s is not deployed", asset)
	}
	holders, ok := c.balances[asset]
	if !ok {
		holders = make(map[domain.Account]*uint256.Int)
		c.balances[asset] = holders
	}
	return holders, nil
}

func (c *Chain) saveLocked() error {
	if c.store == nil {
		return nil
	}

	state := simstate.State{
		Tokens:   make([]simstate.StoredToken, 0, len(c.tokens)),
		Balances: make(map[string]map[string]string, len(c.balances)),
	}
	for _, t := range c.tokens {
		state.Tokens = append(state.Tokens, simstate.StoredToken{
			Symbol:          t.Symbol.String(),
			Decimals:        t.Decimals,
			ReportsDecimals: t.ReportsDecimals,
		})
	}
	sort.Slice(state.Tokens, func(i, j int) bool { return state.Tokens[i].Symbol < state.Tokens[j].Symbol })

	for asset, holders := range c.balances {
		stored := make(map[string]string, len(holders))
		for holder, amount := range holders {
			if amount.IsZero() {
				continue
			}
			stored[holder.Hex()] = amount.Dec()
		}
		state.Balances[asset.String()] = stored
	}

	return errors.Wrap(c.store.Save(state), "save chain state")
}

func (c *Chain) restoreState() error {
	if c.store == nil {
		return nil
	}

	state, err := c.store.Load()
	if err != nil {
		return errors.Wrap(err, "load chain state")
	}
	if state == nil {
		return nil
	}

	for _, t := range state.Tokens {
		symbol := domain.Asset(t.Symbol)
		c.tokens[symbol] = Token{Symbol: symbol, Decimals: t.Decimals, ReportsDecimals: t.ReportsDecimals}
		c.balances[symbol] = make(map[domain.Account]*uint256.Int)
	}

	for asset, holders := range state.Balances {
		symbol := domain.Asset(asset)
		if _, ok := c.tokens[symbol]; !ok {
			return errors.Errorf("chain state holds balances of unknown token %s", asset)
		}
		for holder, amount := range holders {
			if !common.IsHexAddress(holder) {
				return errors.Errorf("chain state: invalid holder %q", holder)
			}
			v, err := uint256.FromDecimal(amount)
			if err != nil {
				return errors.Wrapf(err, "chain state: balance of %s", holder)
			}
			c.balances[symbol][common.HexToAddress(holder)] = v
		}
	}

	c.logger.Info("chain state restored", zap.Int("tokens", len(c.tokens)))
	return nil
}

func balanceOf(holders map[domain.Account]*uint256.Int, holder domain.Account) *uint256.Int {
	if b, ok := holders[holder]; ok {
		return b
	}
	return domain.Zero()
}
