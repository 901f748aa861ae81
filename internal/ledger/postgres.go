package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/model"
)

// PostgresLedger adapts a settlement database to the Ledger interface.
// Reads are plain SELECTs against the settlement schema; mutations invoke
// the settlement system's stored procedures, which own matching, refund,
// and payout bookkeeping. All monetary columns are NUMERIC scanned as TEXT
// into decimal.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger adapter over a settlement database.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// classify folds pgx errors into the taxonomy: missing rows are NotFound,
// connection-level failures are transient and eligible for read retry.
func classify(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, fault.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Raised by settlement procedures; the message carries the bound
		// or state that was violated.
		return fmt.Errorf("%s: %s: %w", what, pgErr.Message, mapSQLState(pgErr.Code))
	}
	return fmt.Errorf("%s: %v: %w", what, err, fault.ErrNetworkTransient)
}

// mapSQLState translates the settlement schema's custom SQLSTATE range
// into taxonomy errors.
func mapSQLState(code string) error {
	switch code {
	case "CE001":
		return fault.ErrRoundNotOpen
	case "CE002":
		return fault.ErrInsufficientBalance
	case "CE003":
		return fault.ErrInsufficientLiquidity
	case "CE004":
		return fault.ErrCapacityExceeded
	case "CE005":
		return fault.ErrSettlementNotReady
	case "CE006":
		return fault.ErrAlreadySettled
	case "CE007":
		return fault.ErrUnauthorized
	default:
		return fault.ErrConsistencyViolation
	}
}

// --- Tranches and rounds ---

const trancheCols = `id, symbol, direction, threshold::TEXT, premium_bps, maturity,
	per_account_min::TEXT, per_account_max::TEXT, capacity::TEXT,
	oracle_route_id, active, created_at`

func scanTranche(row pgx.Row) (*model.Tranche, error) {
	var t model.Tranche
	var threshold, minS, maxS, capS string
	if err := row.Scan(&t.ID, &t.Symbol, &t.Direction, &threshold, &t.PremiumBps, &t.Maturity,
		&minS, &maxS, &capS, &t.OracleRouteID, &t.Active, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Threshold, _ = decimal.NewFromString(threshold)
	t.PerAccountMin, _ = decimal.NewFromString(minS)
	t.PerAccountMax, _ = decimal.NewFromString(maxS)
	t.Capacity, _ = decimal.NewFromString(capS)
	return &t, nil
}

func (l *PostgresLedger) GetTranche(ctx context.Context, trancheID string) (*model.Tranche, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+trancheCols+` FROM tranches WHERE id = $1`, trancheID)
	t, err := scanTranche(row)
	if err != nil {
		return nil, classify(err, "get tranche "+trancheID)
	}
	return t, nil
}

func (l *PostgresLedger) ListActiveTranches(ctx context.Context) ([]model.Tranche, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+trancheCols+` FROM tranches WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, classify(err, "list active tranches")
	}
	defer rows.Close()

	var out []model.Tranche
	for rows.Next() {
		t, err := scanTranche(rows)
		if err != nil {
			return nil, classify(err, "scan tranche")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const roundCols = `id, tranche_id, sales_start, sales_end, state,
	total_buyer_purchases::TEXT, total_seller_collateral::TEXT, matched_amount::TEXT`

func scanRound(row pgx.Row) (*model.Round, error) {
	var r model.Round
	var buyS, sellS, matchedS string
	if err := row.Scan(&r.ID, &r.TrancheID, &r.SalesStart, &r.SalesEnd, &r.State,
		&buyS, &sellS, &matchedS); err != nil {
		return nil, err
	}
	r.TotalBuyerPurchases, _ = decimal.NewFromString(buyS)
	r.TotalSellerCollateral, _ = decimal.NewFromString(sellS)
	r.MatchedAmount, _ = decimal.NewFromString(matchedS)
	return &r, nil
}

func (l *PostgresLedger) GetRound(ctx context.Context, roundID string) (*model.Round, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+roundCols+` FROM rounds WHERE id = $1`, roundID)
	r, err := scanRound(row)
	if err != nil {
		return nil, classify(err, "get round "+roundID)
	}
	return r, nil
}

func (l *PostgresLedger) ListTrancheRounds(ctx context.Context, trancheID string) ([]model.Round, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+roundCols+` FROM rounds WHERE tranche_id = $1 ORDER BY sales_start`, trancheID)
	if err != nil {
		return nil, classify(err, "list rounds for tranche "+trancheID)
	}
	defer rows.Close()

	var out []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, classify(err, "scan round")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) AdvanceRound(ctx context.Context, roundID string, to model.RoundState) (*model.Receipt, error) {
	if _, err := l.pool.Exec(ctx, `SELECT settlement.advance_round($1, $2)`, roundID, string(to)); err != nil {
		return nil, classify(err, "advance round "+roundID)
	}
	return newReceipt("advance:"+string(to), roundID), nil
}

// --- Buyer side ---

func (l *PostgresLedger) SubmitBuyerOrder(ctx context.Context, roundID, holder string, amount, premium decimal.Decimal) (*model.Receipt, error) {
	_, err := l.pool.Exec(ctx,
		`SELECT settlement.submit_buyer_order($1, $2, $3::NUMERIC, $4::NUMERIC)`,
		roundID, holder, amount.String(), premium.String())
	if err != nil {
		return nil, classify(err, "submit buyer order "+roundID)
	}
	return newReceipt("purchase", roundID), nil
}

func (l *PostgresLedger) GetBuyerOrder(ctx context.Context, roundID, holder string) (*model.BuyerOrder, error) {
	var o model.BuyerOrder
	var amountS, premiumS, filledS, refundedS string
	err := l.pool.QueryRow(ctx,
		`SELECT round_id, holder, purchase_amount::TEXT, premium_paid::TEXT,
		        filled_amount::TEXT, refunded_amount::TEXT, claimed, created_at
		 FROM buyer_orders WHERE round_id = $1 AND holder = $2`, roundID, holder).
		Scan(&o.RoundID, &o.Holder, &amountS, &premiumS, &filledS, &refundedS, &o.Claimed, &o.CreatedAt)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("get buyer order %s/%s", roundID, holder))
	}
	o.PurchaseAmount, _ = decimal.NewFromString(amountS)
	o.PremiumPaid, _ = decimal.NewFromString(premiumS)
	o.FilledAmount, _ = decimal.NewFromString(filledS)
	o.RefundedAmount, _ = decimal.NewFromString(refundedS)
	return &o, nil
}

func (l *PostgresLedger) ClaimPayout(ctx context.Context, roundID, holder string) (*model.Receipt, error) {
	if _, err := l.pool.Exec(ctx, `SELECT settlement.claim_payout($1, $2)`, roundID, holder); err != nil {
		return nil, classify(err, "claim payout "+roundID)
	}
	return newReceipt("claim", roundID), nil
}

// --- Seller side ---

func (l *PostgresLedger) DepositCollateral(ctx context.Context, roundID, holder string, amount decimal.Decimal) (*model.Receipt, error) {
	_, err := l.pool.Exec(ctx,
		`SELECT settlement.deposit_collateral($1, $2, $3::NUMERIC)`,
		roundID, holder, amount.String())
	if err != nil {
		return nil, classify(err, "deposit collateral "+roundID)
	}
	return newReceipt("deposit", roundID), nil
}

func (l *PostgresLedger) WithdrawCollateral(ctx context.Context, trancheID, holder string, shares decimal.Decimal) (*model.Receipt, error) {
	_, err := l.pool.Exec(ctx,
		`SELECT settlement.withdraw_collateral($1, $2, $3::NUMERIC)`,
		trancheID, holder, shares.String())
	if err != nil {
		return nil, classify(err, "withdraw collateral "+trancheID)
	}
	return newReceipt("withdraw", trancheID), nil
}

func (l *PostgresLedger) GetSellerPosition(ctx context.Context, roundID, holder string) (*model.SellerPosition, error) {
	var p model.SellerPosition
	var collS, sharesS, filledS, lockedS string
	err := l.pool.QueryRow(ctx,
		`SELECT round_id, holder, collateral_amount::TEXT, shares_minted::TEXT,
		        filled_collateral::TEXT, locked_shares::TEXT, created_at
		 FROM seller_positions WHERE round_id = $1 AND holder = $2`, roundID, holder).
		Scan(&p.RoundID, &p.Holder, &collS, &sharesS, &filledS, &lockedS, &p.CreatedAt)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("get seller position %s/%s", roundID, holder))
	}
	p.CollateralAmount, _ = decimal.NewFromString(collS)
	p.SharesMinted, _ = decimal.NewFromString(sharesS)
	p.FilledCollateral, _ = decimal.NewFromString(filledS)
	p.LockedShares, _ = decimal.NewFromString(lockedS)
	return &p, nil
}

func (l *PostgresLedger) GetShareBalance(ctx context.Context, trancheID, holder string) (*model.ShareBalance, error) {
	var sharesS, lockedS string
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(sp.shares_minted), 0)::TEXT,
		        COALESCE(SUM(sp.locked_shares), 0)::TEXT
		 FROM seller_positions sp
		 JOIN rounds r ON r.id = sp.round_id
		 WHERE r.tranche_id = $1 AND sp.holder = $2`, trancheID, holder).
		Scan(&sharesS, &lockedS)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("get share balance %s/%s", trancheID, holder))
	}
	bal := &model.ShareBalance{TrancheID: trancheID, Holder: holder}
	bal.Shares, _ = decimal.NewFromString(sharesS)
	bal.LockedShares, _ = decimal.NewFromString(lockedS)
	return bal, nil
}

// --- Pool ---

func (l *PostgresLedger) GetPoolTotals(ctx context.Context, trancheID string) (*model.PoolTotals, error) {
	var t model.PoolTotals
	var assetsS, lockedS, sharesS string
	err := l.pool.QueryRow(ctx,
		`SELECT tranche_id, total_assets::TEXT, locked_assets::TEXT, total_shares::TEXT
		 FROM pools WHERE tranche_id = $1`, trancheID).
		Scan(&t.TrancheID, &assetsS, &lockedS, &sharesS)
	if err != nil {
		return nil, classify(err, "get pool totals "+trancheID)
	}
	t.TotalAssets, _ = decimal.NewFromString(assetsS)
	t.LockedAssets, _ = decimal.NewFromString(lockedS)
	t.TotalShares, _ = decimal.NewFromString(sharesS)
	return &t, nil
}

// --- Settlement ---

func (l *PostgresLedger) RequestObservation(ctx context.Context, roundID, routeID string) (*model.Receipt, error) {
	if _, err := l.pool.Exec(ctx, `SELECT settlement.request_observation($1, $2)`, roundID, routeID); err != nil {
		return nil, classify(err, "request observation "+roundID)
	}
	return newReceipt("observe", roundID), nil
}

func (l *PostgresLedger) FinalizeSettlement(ctx context.Context, roundID string) (*model.Receipt, error) {
	if _, err := l.pool.Exec(ctx, `SELECT settlement.finalize($1)`, roundID); err != nil {
		return nil, classify(err, "finalize settlement "+roundID)
	}
	return newReceipt("finalize", roundID), nil
}

func (l *PostgresLedger) GetSettlementInfo(ctx context.Context, roundID string) (*model.SettlementRecord, error) {
	var rec model.SettlementRecord
	var resultS string
	var settledAt *time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT round_id, triggered, oracle_result::TEXT, observed_at,
		        liveness_deadline, settled, settled_at
		 FROM settlements WHERE round_id = $1`, roundID).
		Scan(&rec.RoundID, &rec.Triggered, &resultS, &rec.ObservedAt,
			&rec.LivenessDeadline, &rec.Settled, &settledAt)
	if err != nil {
		return nil, classify(err, "get settlement info "+roundID)
	}
	rec.OracleResult, _ = decimal.NewFromString(resultS)
	if settledAt != nil {
		rec.SettledAt = *settledAt
	}
	return &rec, nil
}

// --- Oracle ---

func (l *PostgresLedger) GetPrice(ctx context.Context, routeID string) (*model.PricePoint, error) {
	var p model.PricePoint
	var priceS string
	err := l.pool.QueryRow(ctx,
		`SELECT route_id, price::TEXT, valid, observed_at
		 FROM oracle_prices WHERE route_id = $1`, routeID).
		Scan(&p.RouteID, &priceS, &p.Valid, &p.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: route %s", fault.ErrOracleUnavailable, routeID)
		}
		return nil, classify(err, "get price "+routeID)
	}
	p.Price, _ = decimal.NewFromString(priceS)
	return &p, nil
}

// --- Funds ---

func (l *PostgresLedger) BalanceOf(ctx context.Context, holder string) (decimal.Decimal, error) {
	var balS string
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(balance, 0)::TEXT FROM balances WHERE holder = $1`, holder).
		Scan(&balS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, classify(err, "balance of "+holder)
	}
	bal, _ := decimal.NewFromString(balS)
	return bal, nil
}

func (l *PostgresLedger) Allowance(ctx context.Context, holder string) (decimal.Decimal, error) {
	var allowS string
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(allowance, 0)::TEXT FROM allowances WHERE holder = $1`, holder).
		Scan(&allowS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, classify(err, "allowance of "+holder)
	}
	allow, _ := decimal.NewFromString(allowS)
	return allow, nil
}

func (l *PostgresLedger) Approve(ctx context.Context, holder string, amount decimal.Decimal) (*model.Receipt, error) {
	if _, err := l.pool.Exec(ctx, `SELECT settlement.approve($1, $2::NUMERIC)`, holder, amount.String()); err != nil {
		return nil, classify(err, "approve "+holder)
	}
	return newReceipt("approve", holder), nil
}

// --- Index ---

func (l *PostgresLedger) ListHoldings(ctx context.Context, holder string) (*model.Holdings, error) {
	h := &model.Holdings{Holder: holder}

	rows, err := l.pool.Query(ctx,
		`SELECT round_id FROM buyer_orders WHERE holder = $1 ORDER BY created_at`, holder)
	if err != nil {
		return nil, classify(err, "list buyer holdings "+holder)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "scan holding")
		}
		h.BuyerRounds = append(h.BuyerRounds, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list buyer holdings "+holder)
	}

	rows, err = l.pool.Query(ctx,
		`SELECT round_id FROM seller_positions WHERE holder = $1 ORDER BY created_at`, holder)
	if err != nil {
		return nil, classify(err, "list seller holdings "+holder)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "scan holding")
		}
		h.SellerRounds = append(h.SellerRounds, id)
	}
	return h, rows.Err()
}

func newReceipt(op, ref string) *model.Receipt {
	return &model.Receipt{
		ID:        uuid.New().String(),
		Op:        op,
		Ref:       ref,
		Timestamp: time.Now().UTC(),
	}
}
