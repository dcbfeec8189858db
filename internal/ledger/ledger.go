// Package ledger implements the per-tenant capital ledger: isolated asset
// balances, escrow locks and position records.
//
// Every tenant has its own book guarded by its own mutex. The vault-level
// RWMutex only guards the book registry and the lock index, so two tenants
// never wait on each other. Mutations are validated on a copy, committed to
// the store, and only then published in memory.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

var (
	// ErrLockNotFound is returned for unknown lock ids.
	ErrLockNotFound = errors.New("ledger: lock not found")

	// ErrLegMismatch is returned when a position's legs are not inverse.
	ErrLegMismatch = errors.New("ledger: derivative leg must offset spot leg")
)

// Config controls how tenants are seeded on first access.
type Config struct {
	// Quote is the settlement asset new capital is credited in.
	Quote string
	// DefaultCapital seeds any tenant without an explicit entry in Seeds.
	DefaultCapital decimal.Decimal
	// Seeds overrides the starting capital per tenant.
	Seeds map[string]decimal.Decimal
}

// Entry is a signed balance change.
type Entry struct {
	Asset string
	Delta decimal.Decimal
}

// Transaction is a batch applied all-or-nothing to one tenant.
type Transaction struct {
	Entries      []Entry
	ExecuteLocks []string
	ReleaseLocks []string
	Positions    []model.Position
}

type book struct {
	mu        sync.Mutex
	loaded    bool
	starting  decimal.Decimal
	balances  map[string]decimal.Decimal
	locks     map[string]*model.EscrowLock
	positions map[string]model.Position
}

// Vault is the LedgerVault. Construct one per process and share it.
type Vault struct {
	store store.Store
	cfg   Config
	now   func() time.Time

	mu        sync.RWMutex
	books     map[string]*book
	lockIndex map[string]string // lock id -> tenant
}

// New creates a vault backed by s.
func New(s store.Store, cfg Config) *Vault {
	if cfg.Quote == "" {
		cfg.Quote = "USDC"
	}
	return &Vault{
		store:     s,
		cfg:       cfg,
		now:       time.Now,
		books:     make(map[string]*book),
		lockIndex: make(map[string]string),
	}
}

// Quote returns the settlement asset.
func (v *Vault) Quote() string {
	return v.cfg.Quote
}

// SeedCapital returns the configured starting capital for tenant.
func (v *Vault) SeedCapital(tenant string) decimal.Decimal {
	if c, ok := v.cfg.Seeds[tenant]; ok {
		return c
	}
	return v.cfg.DefaultCapital
}

func (v *Vault) bookFor(tenant string) *book {
	v.mu.RLock()
	b, ok := v.books[tenant]
	v.mu.RUnlock()
	if ok {
		return b
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok = v.books[tenant]; !ok {
		b = &book{}
		v.books[tenant] = b
	}
	return b
}

// acquire returns the tenant's book locked and loaded. Callers must unlock.
func (v *Vault) acquire(ctx context.Context, tenant string) (*book, error) {
	b := v.bookFor(tenant)
	b.mu.Lock()
	if b.loaded {
		return b, nil
	}
	if err := v.load(ctx, tenant, b); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	return b, nil
}

func (v *Vault) load(ctx context.Context, tenant string, b *book) error {
	snap, err := v.store.LoadTenant(ctx, tenant)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Info("tenant created", "tenant", tenant, "capital", v.SeedCapital(tenant).String())
		return v.reinit(ctx, tenant, b)
	case errors.Is(err, model.ErrCorruptSnapshot):
		slog.Error("corrupt tenant snapshot, reinitialising", "tenant", tenant, "err", err)
		return v.reinit(ctx, tenant, b)
	case err != nil:
		return fmt.Errorf("load tenant %s: %w", tenant, err)
	}

	if err := validateSnapshot(snap); err != nil {
		slog.Error("corrupt tenant snapshot, reinitialising", "tenant", tenant, "err", err)
		return v.reinit(ctx, tenant, b)
	}

	b.starting = snap.StartingCapital
	b.balances = snap.Balances
	b.positions = snap.Positions
	b.locks = make(map[string]*model.EscrowLock)
	b.loaded = true
	return nil
}

func (v *Vault) reinit(ctx context.Context, tenant string, b *book) error {
	capital := v.SeedCapital(tenant)
	balances := map[string]decimal.Decimal{v.cfg.Quote: capital}
	if err := v.store.CommitTenant(ctx, &store.Commit{
		Tenant:          tenant,
		StartingCapital: capital,
		Balances:        balances,
		Replace:         true,
	}); err != nil {
		return fmt.Errorf("seed tenant %s: %w", tenant, err)
	}
	b.starting = capital
	b.balances = balances
	b.positions = make(map[string]model.Position)
	b.locks = make(map[string]*model.EscrowLock)
	b.loaded = true
	return nil
}

func validateSnapshot(snap *model.TenantSnapshot) error {
	if snap.Balances == nil {
		snap.Balances = make(map[string]decimal.Decimal)
	}
	if snap.Positions == nil {
		snap.Positions = make(map[string]model.Position)
	}
	for asset, amt := range snap.Balances {
		if amt.IsNegative() {
			return fmt.Errorf("%w: negative %s balance %s", model.ErrCorruptSnapshot, asset, amt.String())
		}
	}
	for market, p := range snap.Positions {
		if p.Market != market {
			return fmt.Errorf("%w: position keyed %s records market %q", model.ErrCorruptSnapshot, market, p.Market)
		}
		if p.IsOpen() && p.Derivative.Side != p.Spot.Side.Inverse() {
			return fmt.Errorf("%w: position %s legs not inverse", model.ErrCorruptSnapshot, market)
		}
	}
	return nil
}

// lockedAmount sums OPEN locks on asset.
func (b *book) lockedAmount(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.locks {
		if l.Status == model.LockOpen && l.Asset == asset {
			total = total.Add(l.Amount)
		}
	}
	return total
}

func (b *book) available(asset string) decimal.Decimal {
	return b.balances[asset].Sub(b.lockedAmount(asset))
}

func (v *Vault) commit(ctx context.Context, tenant string, b *book, balances map[string]decimal.Decimal, positions []model.Position) error {
	return v.store.CommitTenant(ctx, &store.Commit{
		Tenant:          tenant,
		StartingCapital: b.starting,
		Balances:        balances,
		Positions:       positions,
	})
}

// Credit increases a balance. Negative amounts are rejected.
func (v *Vault) Credit(ctx context.Context, tenant, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: credit %s", model.ErrInvalidAmount, amount.String())
	}
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	next := b.balances[asset].Add(amount)
	if err := v.commit(ctx, tenant, b, map[string]decimal.Decimal{asset: next}, nil); err != nil {
		return err
	}
	b.balances[asset] = next
	return nil
}

// Debit decreases a balance if the unreserved amount covers it. On failure
// nothing changes and the error quotes requested and available amounts.
func (v *Vault) Debit(ctx context.Context, tenant, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: debit %s", model.ErrInvalidAmount, amount.String())
	}
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if avail := b.available(asset); avail.LessThan(amount) {
		return &model.InsufficientBalanceError{Asset: asset, Requested: amount, Available: avail}
	}
	next := b.balances[asset].Sub(amount)
	if err := v.commit(ctx, tenant, b, map[string]decimal.Decimal{asset: next}, nil); err != nil {
		return err
	}
	b.balances[asset] = next
	return nil
}

// Lock reserves amount of asset and returns the lock id. Locks live in
// memory only; a restart releases them implicitly.
func (v *Vault) Lock(ctx context.Context, tenant, asset string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: lock %s", model.ErrInvalidAmount, amount.String())
	}
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return "", err
	}
	defer b.mu.Unlock()

	if avail := b.available(asset); avail.LessThan(amount) {
		return "", &model.InsufficientBalanceError{Asset: asset, Requested: amount, Available: avail}
	}

	id := uuid.New().String()
	b.locks[id] = &model.EscrowLock{
		ID:        id,
		Tenant:    tenant,
		Asset:     asset,
		Amount:    amount,
		Status:    model.LockOpen,
		CreatedAt: v.now(),
	}
	v.mu.Lock()
	v.lockIndex[id] = tenant
	v.mu.Unlock()
	return id, nil
}

func (v *Vault) lockTenant(lockID string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	tenant, ok := v.lockIndex[lockID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	return tenant, nil
}

// Unlock releases a lock without moving funds.
func (v *Vault) Unlock(ctx context.Context, lockID string) error {
	tenant, err := v.lockTenant(lockID)
	if err != nil {
		return err
	}
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	l, ok := b.locks[lockID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	if l.Status != model.LockOpen {
		return fmt.Errorf("%w: lock %s is %s", model.ErrLockConflict, lockID, l.Status)
	}
	l.Status = model.LockReleased
	return nil
}

// Execute consumes a lock, debiting the reserved funds.
func (v *Vault) Execute(ctx context.Context, lockID string) error {
	tenant, err := v.lockTenant(lockID)
	if err != nil {
		return err
	}
	return v.Apply(ctx, tenant, Transaction{ExecuteLocks: []string{lockID}})
}

// Apply validates and commits tx as one unit. Either every entry, lock
// transition and position upsert lands, or none does.
func (v *Vault) Apply(ctx context.Context, tenant string, tx Transaction) error {
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	next := make(map[string]decimal.Decimal, len(tx.Entries))
	balance := func(asset string) decimal.Decimal {
		if amt, ok := next[asset]; ok {
			return amt
		}
		return b.balances[asset]
	}
	consumed := make(map[string]model.LockStatus, len(tx.ExecuteLocks)+len(tx.ReleaseLocks))

	for _, id := range tx.ReleaseLocks {
		if err := checkLock(b, id, consumed); err != nil {
			return err
		}
		consumed[id] = model.LockReleased
	}
	for _, id := range tx.ExecuteLocks {
		if err := checkLock(b, id, consumed); err != nil {
			return err
		}
		l := b.locks[id]
		next[l.Asset] = balance(l.Asset).Sub(l.Amount)
		consumed[id] = model.LockExecuted
	}

	for _, e := range tx.Entries {
		next[e.Asset] = balance(e.Asset).Add(e.Delta)
	}

	// Whatever stays reserved after this transaction must still be covered.
	for asset, amt := range next {
		reserved := decimal.Zero
		for id, l := range b.locks {
			if _, done := consumed[id]; !done && l.Status == model.LockOpen && l.Asset == asset {
				reserved = reserved.Add(l.Amount)
			}
		}
		if amt.LessThan(reserved) {
			requested := b.balances[asset].Sub(amt)
			return &model.InsufficientBalanceError{
				Asset:     asset,
				Requested: requested,
				Available: b.available(asset),
			}
		}
	}

	for _, p := range tx.Positions {
		if p.IsOpen() && p.Derivative.Side != p.Spot.Side.Inverse() {
			return fmt.Errorf("%w: %s spot %s derivative %s", ErrLegMismatch, p.Market, p.Spot.Side, p.Derivative.Side)
		}
		if cur, ok := b.positions[p.Market]; ok && cur.IsOpen() && cur.ID != p.ID {
			return fmt.Errorf("%w: %s/%s", model.ErrPositionExists, tenant, p.Market)
		}
	}

	if err := v.commit(ctx, tenant, b, next, tx.Positions); err != nil {
		return err
	}

	for asset, amt := range next {
		b.balances[asset] = amt
	}
	for id, status := range consumed {
		b.locks[id].Status = status
	}
	for _, p := range tx.Positions {
		b.positions[p.Market] = p
	}
	return nil
}

func checkLock(b *book, id string, consumed map[string]model.LockStatus) error {
	l, ok := b.locks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockNotFound, id)
	}
	if _, dup := consumed[id]; dup || l.Status != model.LockOpen {
		return fmt.Errorf("%w: lock %s is %s", model.ErrLockConflict, id, l.Status)
	}
	return nil
}

// Balances returns a copy of every balance of tenant.
func (v *Vault) Balances(ctx context.Context, tenant string) (map[string]decimal.Decimal, error) {
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(b.balances))
	for k, amt := range b.balances {
		out[k] = amt
	}
	return out, nil
}

// Available returns the unreserved balance of asset.
func (v *Vault) Available(ctx context.Context, tenant, asset string) (decimal.Decimal, error) {
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return decimal.Zero, err
	}
	defer b.mu.Unlock()
	return b.available(asset), nil
}

// OpenLocks returns the tenant's OPEN locks ordered by creation.
func (v *Vault) OpenLocks(ctx context.Context, tenant string) ([]model.EscrowLock, error) {
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	var out []model.EscrowLock
	for _, l := range b.locks {
		if l.Status == model.LockOpen {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Snapshot copies the tenant's balances, positions and starting capital.
func (v *Vault) Snapshot(ctx context.Context, tenant string) (*model.TenantSnapshot, error) {
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	snap := &model.TenantSnapshot{
		Tenant:          tenant,
		StartingCapital: b.starting,
		Balances:        make(map[string]decimal.Decimal, len(b.balances)),
		Positions:       make(map[string]model.Position, len(b.positions)),
	}
	for k, amt := range b.balances {
		snap.Balances[k] = amt
	}
	for k, p := range b.positions {
		snap.Positions[k] = p
	}
	return snap, nil
}

// Position returns the tenant's position on market.
func (v *Vault) Position(ctx context.Context, tenant, market string) (model.Position, error) {
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return model.Position{}, err
	}
	defer b.mu.Unlock()

	p, ok := b.positions[market]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s/%s", model.ErrPositionNotFound, tenant, market)
	}
	return p, nil
}

// OpenPositions returns the tenant's non-closed positions ordered by market.
func (v *Vault) OpenPositions(ctx context.Context, tenant string) ([]model.Position, error) {
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	var out []model.Position
	for _, p := range b.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out, nil
}

// Equity values the tenant's holdings. prices is keyed by asset for spot
// holdings and by derivative instrument for mark prices; the quote asset
// is worth one. Assets without a price contribute nothing.
func (v *Vault) Equity(ctx context.Context, tenant string, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	snap, err := v.Snapshot(ctx, tenant)
	if err != nil {
		return decimal.Zero, err
	}
	return Valuation(snap, v.cfg.Quote, prices), nil
}

// Valuation marks a snapshot to market.
func Valuation(snap *model.TenantSnapshot, quote string, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for asset, amt := range snap.Balances {
		if asset == quote {
			total = total.Add(amt)
			continue
		}
		if px, ok := prices[asset]; ok {
			total = total.Add(amt.Mul(px))
		}
	}
	for _, p := range snap.Positions {
		if p.IsOpen() {
			total = total.Add(DerivativePnL(p.Derivative, prices[p.Derivative.Instrument]))
		}
	}
	return total
}

// DerivativePnL is the unrealized PnL of a derivative leg at mark. A zero
// mark yields zero.
func DerivativePnL(leg model.Leg, mark decimal.Decimal) decimal.Decimal {
	if !mark.IsPositive() || leg.Size.IsZero() {
		return decimal.Zero
	}
	move := mark.Sub(leg.EntryPrice).Mul(leg.Size)
	if leg.Side == model.SideShort {
		return move.Neg()
	}
	return move
}

// Reset wipes the tenant and seeds capital in the quote asset. Balances,
// OPEN locks and positions are cleared in the same commit.
func (v *Vault) Reset(ctx context.Context, tenant string, capital decimal.Decimal) error {
	return v.resetTo(ctx, tenant, map[string]decimal.Decimal{v.cfg.Quote: capital}, capital)
}

func (v *Vault) resetTo(ctx context.Context, tenant string, balances map[string]decimal.Decimal, starting decimal.Decimal) error {
	b, err := v.acquire(ctx, tenant)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := v.store.CommitTenant(ctx, &store.Commit{
		Tenant:          tenant,
		StartingCapital: starting,
		Balances:        balances,
		Replace:         true,
	}); err != nil {
		return fmt.Errorf("reset tenant %s: %w", tenant, err)
	}

	for _, l := range b.locks {
		if l.Status == model.LockOpen {
			l.Status = model.LockReleased
		}
	}
	b.starting = starting
	b.balances = make(map[string]decimal.Decimal, len(balances))
	for k, amt := range balances {
		b.balances[k] = amt
	}
	b.positions = make(map[string]model.Position)
	return nil
}

// SeedFromLive clones a live wallet into the given tenants, splitting each
// asset evenly. It runs at most once per store: later calls return false
// without touching any balance.
func (v *Vault) SeedFromLive(ctx context.Context, live map[string]decimal.Decimal, prices map[string]decimal.Decimal, tenants []string) (bool, error) {
	if len(tenants) == 0 {
		return false, nil
	}
	claimed, err := v.store.ClaimSeed(ctx)
	if err != nil {
		return false, err
	}
	if !claimed {
		slog.Info("live seed already applied, skipping")
		return false, nil
	}

	n := decimal.NewFromInt(int64(len(tenants)))
	share := make(map[string]decimal.Decimal, len(live))
	for asset, amt := range live {
		share[asset] = amt.Div(n).RoundDown(8)
	}
	starting := Valuation(&model.TenantSnapshot{Balances: share}, v.cfg.Quote, prices)

	for _, tenant := range tenants {
		if err := v.resetTo(ctx, tenant, share, starting); err != nil {
			return true, err
		}
		slog.Info("tenant seeded from live wallet", "tenant", tenant, "capital", starting.String())
	}
	return true, nil
}

// Tenants lists every tenant known to the store or loaded in memory.
func (v *Vault) Tenants(ctx context.Context) ([]string, error) {
	names, err := v.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	v.mu.RLock()
	for n := range v.books {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	v.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

// GlobalEquity sums Equity across every tenant.
func (v *Vault) GlobalEquity(ctx context.Context, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	names, err := v.Tenants(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, n := range names {
		eq, err := v.Equity(ctx, n, prices)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(eq)
	}
	return total, nil
}
