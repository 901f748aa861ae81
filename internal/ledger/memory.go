package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/pool"
	"github.com/dinyk/coverage-engine/internal/round"
	"github.com/dinyk/coverage-engine/internal/symbol"
)

// MemoryLedger simulates the external settlement system in-process. Used
// for testing and development; it owns the authoritative matching, refund,
// and settlement bookkeeping the engine otherwise only observes.
//
// Intake tolerance mirrors the settlement contracts: orders are accepted
// in ANNOUNCED, OPEN, and ACTIVE. The strict OPEN-only policy is the
// engine's, enforced before the call ever reaches a ledger.
type MemoryLedger struct {
	mu sync.Mutex

	livenessWindow time.Duration
	now            func() time.Time

	tranches    map[string]*model.Tranche
	rounds      map[string]*model.Round
	roundsOf    map[string][]string // trancheID → roundIDs, creation order
	orders      map[string]map[string]*model.BuyerOrder     // roundID → holder
	positions   map[string]map[string]*model.SellerPosition // roundID → holder
	pools       map[string]*model.PoolTotals                // trancheID
	settlements map[string]*model.SettlementRecord          // roundID
	prices      map[string]*model.PricePoint                // routeID
	balances    map[string]decimal.Decimal
	allowances  map[string]decimal.Decimal
	buyerIndex  map[string][]string // holder → roundIDs
	sellerIndex map[string][]string
}

// NewMemoryLedger creates an empty simulated ledger. The liveness window
// is applied to every observation; pass a clock override for tests.
func NewMemoryLedger(livenessWindow time.Duration, clock func() time.Time) *MemoryLedger {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryLedger{
		livenessWindow: livenessWindow,
		now:            clock,
		tranches:       make(map[string]*model.Tranche),
		rounds:         make(map[string]*model.Round),
		roundsOf:       make(map[string][]string),
		orders:         make(map[string]map[string]*model.BuyerOrder),
		positions:      make(map[string]map[string]*model.SellerPosition),
		pools:          make(map[string]*model.PoolTotals),
		settlements:    make(map[string]*model.SettlementRecord),
		prices:         make(map[string]*model.PricePoint),
		balances:       make(map[string]decimal.Decimal),
		allowances:     make(map[string]decimal.Decimal),
		buyerIndex:     make(map[string][]string),
		sellerIndex:    make(map[string][]string),
	}
}

// --- Seeding (dev/test only, not part of the Ledger interface) ---

// CreateTranche registers a tranche and initializes its empty pool.
func (l *MemoryLedger) CreateTranche(t *model.Tranche) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tranches[t.ID]; ok {
		return fmt.Errorf("tranche %s already exists", t.ID)
	}
	if _, err := symbol.Parse(t.Symbol); err != nil {
		return err
	}
	cp := *t
	l.tranches[t.ID] = &cp
	l.pools[t.ID] = &model.PoolTotals{TrancheID: t.ID}
	return nil
}

// CreateRound registers a round under its tranche, starting in ANNOUNCED.
func (l *MemoryLedger) CreateRound(r *model.Round) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tranches[r.TrancheID]; !ok {
		return fmt.Errorf("tranche %s: %w", r.TrancheID, fault.ErrNotFound)
	}
	if _, ok := l.rounds[r.ID]; ok {
		return fmt.Errorf("round %s already exists", r.ID)
	}
	cp := *r
	if cp.State == "" {
		cp.State = model.RoundAnnounced
	}
	l.rounds[r.ID] = &cp
	l.roundsOf[r.TrancheID] = append(l.roundsOf[r.TrancheID], r.ID)
	return nil
}

// SetPrice publishes an oracle observation for a route.
func (l *MemoryLedger) SetPrice(routeID string, price decimal.Decimal, valid bool, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prices[routeID] = &model.PricePoint{RouteID: routeID, Price: price, Valid: valid, Timestamp: at}
}

// Credit funds a holder's balance.
func (l *MemoryLedger) Credit(holder string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[holder] = l.balances[holder].Add(amount)
}

// --- Reads ---

func (l *MemoryLedger) GetTranche(_ context.Context, trancheID string) (*model.Tranche, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tranches[trancheID]
	if !ok {
		return nil, fmt.Errorf("tranche %s: %w", trancheID, fault.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (l *MemoryLedger) ListActiveTranches(_ context.Context) ([]model.Tranche, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.Tranche
	for _, t := range l.tranches {
		if t.Active {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (l *MemoryLedger) GetRound(_ context.Context, roundID string) (*model.Round, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.roundCopy(roundID)
}

func (l *MemoryLedger) roundCopy(roundID string) (*model.Round, error) {
	r, ok := l.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, fault.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (l *MemoryLedger) ListTrancheRounds(_ context.Context, trancheID string) ([]model.Round, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tranches[trancheID]; !ok {
		return nil, fmt.Errorf("tranche %s: %w", trancheID, fault.ErrNotFound)
	}
	var out []model.Round
	for _, id := range l.roundsOf[trancheID] {
		out = append(out, *l.rounds[id])
	}
	return out, nil
}

func (l *MemoryLedger) GetBuyerOrder(_ context.Context, roundID, holder string) (*model.BuyerOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[roundID][holder]
	if !ok {
		return nil, fmt.Errorf("order %s/%s: %w", roundID, holder, fault.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (l *MemoryLedger) GetSellerPosition(_ context.Context, roundID, holder string) (*model.SellerPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[roundID][holder]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", roundID, holder, fault.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (l *MemoryLedger) GetShareBalance(_ context.Context, trancheID, holder string) (*model.ShareBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tranches[trancheID]; !ok {
		return nil, fmt.Errorf("tranche %s: %w", trancheID, fault.ErrNotFound)
	}
	bal := &model.ShareBalance{TrancheID: trancheID, Holder: holder}
	for _, id := range l.roundsOf[trancheID] {
		if p, ok := l.positions[id][holder]; ok {
			bal.Shares = bal.Shares.Add(p.SharesMinted)
			bal.LockedShares = bal.LockedShares.Add(p.LockedShares)
		}
	}
	return bal, nil
}

func (l *MemoryLedger) GetPoolTotals(_ context.Context, trancheID string) (*model.PoolTotals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pools[trancheID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", trancheID, fault.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (l *MemoryLedger) GetSettlementInfo(_ context.Context, roundID string) (*model.SettlementRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.settlements[roundID]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", roundID, fault.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (l *MemoryLedger) GetPrice(_ context.Context, routeID string) (*model.PricePoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.prices[routeID]
	if !ok {
		return nil, fmt.Errorf("%w: no observation for route %s", fault.ErrOracleUnavailable, routeID)
	}
	cp := *p
	return &cp, nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, holder string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.balances[holder], nil
}

func (l *MemoryLedger) Allowance(_ context.Context, holder string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.allowances[holder], nil
}

func (l *MemoryLedger) ListHoldings(_ context.Context, holder string) (*model.Holdings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &model.Holdings{
		Holder:       holder,
		BuyerRounds:  append([]string(nil), l.buyerIndex[holder]...),
		SellerRounds: append([]string(nil), l.sellerIndex[holder]...),
	}, nil
}

// --- Mutations ---

func (l *MemoryLedger) Approve(_ context.Context, holder string, amount decimal.Decimal) (*model.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative approval %s", fault.ErrInvalidAmount, amount)
	}
	l.allowances[holder] = amount
	return l.receipt("approve", holder), nil
}

func (l *MemoryLedger) SubmitBuyerOrder(_ context.Context, roundID, holder string, amount, premium decimal.Decimal) (*model.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, fault.ErrNotFound)
	}
	if !round.IntakePermitted(r.State, true) {
		return nil, fmt.Errorf("%w: round %s is %s", fault.ErrRoundNotOpen, roundID, r.State)
	}
	total := amount.Add(premium)
	if err := l.spend(holder, total); err != nil {
		return nil, err
	}

	orders := l.orders[roundID]
	if orders == nil {
		orders = make(map[string]*model.BuyerOrder)
		l.orders[roundID] = orders
	}
	o, ok := orders[holder]
	if !ok {
		o = &model.BuyerOrder{RoundID: roundID, Holder: holder, CreatedAt: l.now()}
		orders[holder] = o
		l.buyerIndex[holder] = append(l.buyerIndex[holder], roundID)
	}
	o.PurchaseAmount = o.PurchaseAmount.Add(amount)
	o.PremiumPaid = o.PremiumPaid.Add(premium)
	r.TotalBuyerPurchases = r.TotalBuyerPurchases.Add(amount)

	return l.receipt("purchase", roundID), nil
}

func (l *MemoryLedger) DepositCollateral(_ context.Context, roundID, holder string, amount decimal.Decimal) (*model.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, fault.ErrNotFound)
	}
	if !round.IntakePermitted(r.State, true) {
		return nil, fmt.Errorf("%w: round %s is %s", fault.ErrRoundNotOpen, roundID, r.State)
	}
	if err := l.spend(holder, amount); err != nil {
		return nil, err
	}

	totals := l.pools[r.TrancheID]
	snap, err := pool.NewSnapshot(totals, l.now())
	if err != nil {
		return nil, err
	}
	shares := snap.SharesForAmount(amount)
	totals.TotalAssets = totals.TotalAssets.Add(amount)
	totals.TotalShares = totals.TotalShares.Add(shares)

	positions := l.positions[roundID]
	if positions == nil {
		positions = make(map[string]*model.SellerPosition)
		l.positions[roundID] = positions
	}
	p, ok := positions[holder]
	if !ok {
		p = &model.SellerPosition{RoundID: roundID, Holder: holder, CreatedAt: l.now()}
		positions[holder] = p
		l.sellerIndex[holder] = append(l.sellerIndex[holder], roundID)
	}
	p.CollateralAmount = p.CollateralAmount.Add(amount)
	p.SharesMinted = p.SharesMinted.Add(shares)
	r.TotalSellerCollateral = r.TotalSellerCollateral.Add(amount)

	return l.receipt("deposit", roundID), nil
}

func (l *MemoryLedger) WithdrawCollateral(_ context.Context, trancheID, holder string, shares decimal.Decimal) (*model.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	totals, ok := l.pools[trancheID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", trancheID, fault.ErrNotFound)
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: shares must be positive, got %s", fault.ErrInvalidAmount, shares)
	}

	unlocked := decimal.Zero
	for _, id := range l.roundsOf[trancheID] {
		if p, ok := l.positions[id][holder]; ok {
			unlocked = unlocked.Add(p.SharesMinted.Sub(p.LockedShares))
		}
	}
	if shares.GreaterThan(unlocked) {
		return nil, fmt.Errorf("%w: %s shares requested, %s unlocked",
			fault.ErrInsufficientBalance, shares, unlocked)
	}

	snap, err := pool.NewSnapshot(totals, l.now())
	if err != nil {
		return nil, err
	}
	amount := snap.AmountForShares(shares)
	if amount.GreaterThan(snap.AvailableLiquidity) {
		return nil, fmt.Errorf("%w: withdrawal of %s exceeds available %s",
			fault.ErrInsufficientLiquidity, amount, snap.AvailableLiquidity)
	}

	// Burn unlocked shares oldest-round-first.
	remaining := shares
	for _, id := range l.roundsOf[trancheID] {
		if remaining.IsZero() {
			break
		}
		p, ok := l.positions[id][holder]
		if !ok {
			continue
		}
		free := p.SharesMinted.Sub(p.LockedShares)
		burn := decimal.Min(free, remaining)
		p.SharesMinted = p.SharesMinted.Sub(burn)
		remaining = remaining.Sub(burn)
	}

	totals.TotalAssets = totals.TotalAssets.Sub(amount)
	totals.TotalShares = totals.TotalShares.Sub(shares)
	l.balances[holder] = l.balances[holder].Add(amount)

	return l.receipt("withdraw", trancheID), nil
}

func (l *MemoryLedger) AdvanceRound(_ context.Context, roundID string, to model.RoundState) (*model.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, fault.ErrNotFound)
	}
	if to == model.RoundSettled {
		return nil, fmt.Errorf("%w: SETTLED is reached via FinalizeSettlement", fault.ErrSettlementNotReady)
	}
	if err := round.Transition(r.State, to); err != nil {
		return nil, err
	}

	switch to {
	case model.RoundMatched:
		l.match(r)
	case model.RoundCanceled:
		l.unwind(r)
	}
	r.State = to

	return l.receipt("advance:"+string(to), roundID), nil
}

// match freezes matchedAmount = min(buy, sell), fills orders and positions
// pro-rata with floor rounding, refunds the unmatched remainder, and moves
// the net premium into the pool as seller yield.
func (l *MemoryLedger) match(r *model.Round) {
	matched := decimal.Min(r.TotalBuyerPurchases, r.TotalSellerCollateral)
	r.MatchedAmount = matched
	totals := l.pools[r.TrancheID]

	premiumKept := decimal.Zero
	for _, o := range l.orders[r.ID] {
		if r.TotalBuyerPurchases.IsPositive() {
			o.FilledAmount = o.PurchaseAmount.Mul(matched).Div(r.TotalBuyerPurchases).Floor()
		}
		o.RefundedAmount = o.PurchaseAmount.Sub(o.FilledAmount)

		premiumRefund := decimal.Zero
		if o.PurchaseAmount.IsPositive() {
			premiumRefund = o.PremiumPaid.Mul(o.RefundedAmount).Div(o.PurchaseAmount).Floor()
		}
		l.balances[o.Holder] = l.balances[o.Holder].Add(o.RefundedAmount).Add(premiumRefund)
		o.PremiumPaid = o.PremiumPaid.Sub(premiumRefund)
		premiumKept = premiumKept.Add(o.PremiumPaid)
	}

	for _, p := range l.positions[r.ID] {
		if r.TotalSellerCollateral.IsPositive() {
			p.FilledCollateral = p.CollateralAmount.Mul(matched).Div(r.TotalSellerCollateral).Floor()
			p.LockedShares = p.SharesMinted.Mul(matched).Div(r.TotalSellerCollateral).Floor()
		}
	}

	// Premium accrues to the pool: share value rises for all sellers.
	totals.TotalAssets = totals.TotalAssets.Add(premiumKept)
	totals.LockedAssets = totals.LockedAssets.Add(matched)
}

// unwind refunds every escrow still held for a canceled round and burns
// the minted shares. Canceling after match must not repeat the refunds
// match already paid: only the unrefunded principal and the premium not
// yet returned come back, and the kept premium accrued to the pool at
// match is backed out.
func (l *MemoryLedger) unwind(r *model.Round) {
	totals := l.pools[r.TrancheID]
	matched := r.State == model.RoundMatched

	for _, o := range l.orders[r.ID] {
		refund := o.PurchaseAmount.Sub(o.RefundedAmount).Add(o.PremiumPaid)
		l.balances[o.Holder] = l.balances[o.Holder].Add(refund)
		if matched {
			totals.TotalAssets = totals.TotalAssets.Sub(o.PremiumPaid)
		}
		o.RefundedAmount = o.PurchaseAmount
		o.FilledAmount = decimal.Zero
		o.PremiumPaid = decimal.Zero
	}
	for _, p := range l.positions[r.ID] {
		l.balances[p.Holder] = l.balances[p.Holder].Add(p.CollateralAmount)
		totals.TotalAssets = totals.TotalAssets.Sub(p.CollateralAmount)
		totals.TotalShares = totals.TotalShares.Sub(p.SharesMinted)
		p.SharesMinted = decimal.Zero
		p.LockedShares = decimal.Zero
		p.FilledCollateral = decimal.Zero
	}
	if matched {
		totals.LockedAssets = totals.LockedAssets.Sub(r.MatchedAmount)
	}
	r.MatchedAmount = decimal.Zero
}

func (l *MemoryLedger) RequestObservation(_ context.Context, roundID, routeID string) (*model.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, fault.ErrNotFound)
	}
	if rec, ok := l.settlements[roundID]; ok && !rec.ObservedAt.IsZero() {
		// Already observed: triggered/oracleResult are frozen, no-op.
		return l.receipt("observe:noop", roundID), nil
	}

	t := l.tranches[r.TrancheID]
	now := l.now()
	if !round.SettlementEligible(r.State) || now.Before(t.Maturity) {
		return nil, fmt.Errorf("%w: round %s state %s, matures %s",
			fault.ErrSettlementNotReady, roundID, r.State, t.Maturity.Format(time.RFC3339))
	}

	price, ok := l.prices[routeID]
	if !ok || !price.Valid {
		return nil, fmt.Errorf("%w: route %s", fault.ErrOracleUnavailable, routeID)
	}

	l.settlements[roundID] = &model.SettlementRecord{
		RoundID:          roundID,
		Triggered:        model.Triggered(t.Direction, t.Threshold, price.Price),
		OracleResult:     price.Price,
		ObservedAt:       now,
		LivenessDeadline: now.Add(l.livenessWindow),
	}
	if r.State == model.RoundActive {
		r.State = model.RoundMatured
	}

	return l.receipt("observe", roundID), nil
}

func (l *MemoryLedger) FinalizeSettlement(_ context.Context, roundID string) (*model.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, fault.ErrNotFound)
	}
	rec, ok := l.settlements[roundID]
	if !ok {
		return nil, fmt.Errorf("%w: round %s has no observation", fault.ErrSettlementNotReady, roundID)
	}
	if rec.Settled {
		return nil, fmt.Errorf("%w: round %s", fault.ErrAlreadySettled, roundID)
	}
	now := l.now()
	if now.Before(rec.LivenessDeadline) {
		return nil, fmt.Errorf("%w: liveness deadline %s not reached",
			fault.ErrSettlementNotReady, rec.LivenessDeadline.Format(time.RFC3339))
	}

	totals := l.pools[r.TrancheID]
	claimable := decimal.Zero
	for _, o := range l.orders[r.ID] {
		// The matched principal escrowed at purchase returns to the buyer
		// on either outcome; the buyer's risk is the kept premium. A
		// triggered round pays the filled amount on top via ClaimPayout.
		l.balances[o.Holder] = l.balances[o.Holder].Add(o.FilledAmount)
		claimable = claimable.Add(o.FilledAmount)
	}
	if rec.Triggered {
		// Collateral backing the claims leaves the pool; pro-rata fill
		// dust below matchedAmount stays with the sellers.
		totals.TotalAssets = totals.TotalAssets.Sub(claimable)
	}
	totals.LockedAssets = totals.LockedAssets.Sub(r.MatchedAmount)
	if totals.LockedAssets.IsNegative() {
		totals.LockedAssets = decimal.Zero
	}
	for _, p := range l.positions[r.ID] {
		p.LockedShares = decimal.Zero
	}

	rec.Settled = true
	rec.SettledAt = now
	r.State = model.RoundSettled

	return l.receipt("finalize", roundID), nil
}

func (l *MemoryLedger) ClaimPayout(_ context.Context, roundID, holder string) (*model.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.settlements[roundID]
	if !ok || !rec.Settled {
		return nil, fmt.Errorf("%w: round %s not settled", fault.ErrSettlementNotReady, roundID)
	}
	if !rec.Triggered {
		return nil, fmt.Errorf("%w: round %s did not trigger", fault.ErrUnauthorized, roundID)
	}
	o, ok := l.orders[roundID][holder]
	if !ok || !o.FilledAmount.IsPositive() {
		return nil, fmt.Errorf("%w: no filled order for %s in round %s", fault.ErrNotFound, holder, roundID)
	}
	if o.Claimed {
		return nil, fmt.Errorf("%w: claim for round %s", fault.ErrAlreadySettled, roundID)
	}

	o.Claimed = true
	l.balances[holder] = l.balances[holder].Add(o.FilledAmount)

	return l.receipt("claim", roundID), nil
}

// --- Helpers ---

func (l *MemoryLedger) spend(holder string, total decimal.Decimal) error {
	if l.allowances[holder].LessThan(total) {
		return fmt.Errorf("%w: allowance %s below required %s",
			fault.ErrUnauthorized, l.allowances[holder], total)
	}
	if l.balances[holder].LessThan(total) {
		return fmt.Errorf("%w: balance %s below required %s",
			fault.ErrInsufficientBalance, l.balances[holder], total)
	}
	l.balances[holder] = l.balances[holder].Sub(total)
	l.allowances[holder] = l.allowances[holder].Sub(total)
	return nil
}

func (l *MemoryLedger) receipt(op, ref string) *model.Receipt {
	return &model.Receipt{
		ID:        uuid.New().String(),
		Op:        op,
		Ref:       ref,
		Timestamp: l.now(),
	}
}
