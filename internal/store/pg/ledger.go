package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/audit"
	"adfunds.io/internal/events"
	"adfunds.io/internal/fee"
	"adfunds.io/internal/ledger"
	"adfunds.io/internal/obs"
	"adfunds.io/internal/store"
)

var _ ledger.Service = (*Store)(nil)

const txColumns = `id, sequence, organization_id, kind, status, gross_cents, fee_cents, net_cents, currency,
	source, destination, coalesce(payment_reference, ''), actor_id, coalesce(on_behalf_of, ''),
	coalesce(session_id, ''), coalesce(failure_reason, ''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := row.Scan(&t.ID, &t.Sequence, &t.OrganizationID, &t.Kind, &t.Status, &t.Gross, &t.Fee, &t.Net, &t.Currency,
		&t.Source, &t.Destination, &t.PaymentReference, &t.Actor.ID, &t.Actor.ActingAs, &t.Actor.SessionID,
		&t.FailureReason, &t.CreatedAt)
	return t, err
}

func (s *Store) OpenWallet(ctx context.Context, orgID string) (ledger.Wallet, error) {
	if _, err := s.PlanID(ctx, orgID); err != nil {
		return ledger.Wallet{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into wallets (organization_id, currency) values ($1, $2)
		on conflict (organization_id) do nothing
	`, orgID, ledger.DefaultCurrency); err != nil {
		return ledger.Wallet{}, store.Unavailable(err)
	}
	return s.GetWallet(ctx, orgID)
}

func (s *Store) GetWallet(ctx context.Context, orgID string) (ledger.Wallet, error) {
	return getWallet(ctx, s.db, orgID, false)
}

func getWallet(ctx context.Context, q queryer, orgID string, lock bool) (ledger.Wallet, error) {
	query := `select organization_id, currency, balance_cents, fees_paid_cents, updated_at from wallets where organization_id = $1`
	if lock {
		query += ` for update`
	}
	var w ledger.Wallet
	err := q.QueryRowContext(ctx, query, orgID).Scan(&w.OrganizationID, &w.Currency, &w.Balance, &w.FeesPaid, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if err != nil {
		return ledger.Wallet{}, store.Unavailable(err)
	}
	return w, nil
}

func (s *Store) TopUpWallet(ctx context.Context, in ledger.TopUp, actor audit.Actor) (ledger.Transaction, error) {
	if in.Gross <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	in.PaymentReference = strings.TrimSpace(in.PaymentReference)
	if in.PaymentReference == "" {
		return ledger.Transaction{}, ledger.ErrMissingPaymentReference
	}
	if err := ledger.CheckCurrency(in.Currency); err != nil {
		return ledger.Transaction{}, err
	}
	if !ledger.CanTopUp(actor, in.OrganizationID) {
		return ledger.Transaction{}, ledger.ErrAccessDenied
	}
	p, err := s.PlanFor(ctx, in.OrganizationID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	b, err := fee.Apply(in.Gross, p.FeeRate, ledger.KindWalletTopUp.FeeMode())
	if err != nil {
		return ledger.Transaction{}, err
	}

	var (
		out    ledger.Transaction
		replay bool
	)
	err = s.inTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		prev, err := transactionByPayment(ctx, tx, in.PaymentReference)
		if err == nil {
			if prev.OrganizationID != in.OrganizationID {
				return ledger.ErrPaymentReferenceConflict
			}
			out, replay = prev, true
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if _, err := getWallet(ctx, tx, in.OrganizationID, true); err != nil {
			return err
		}
		t := s.newTransaction(in.OrganizationID, ledger.KindWalletTopUp, b, actor)
		t.Source = "payment:" + in.PaymentReference
		t.Destination = ledger.WalletRef(in.OrganizationID)
		t.PaymentReference = in.PaymentReference
		t.Status = ledger.StatusCompleted

		if _, err := tx.ExecContext(ctx, `
			update wallets set balance_cents = balance_cents + $2, updated_at = $3 where organization_id = $1
		`, in.OrganizationID, b.Net, t.CreatedAt); err != nil {
			return store.Unavailable(err)
		}
		if t.Sequence, err = insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		entry := audit.NewEntry(actor, audit.ActionWalletTopUp, "wallet", in.OrganizationID, ledger.AuditMetadata(t))
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out = t
		return nil
	})
	if isPgCode(err, pgErrUniqueViolation) {
		// A concurrent delivery of the same payment committed first.
		prev, rerr := transactionByPayment(ctx, s.db, in.PaymentReference)
		if rerr != nil {
			return ledger.Transaction{}, rerr
		}
		if prev.OrganizationID != in.OrganizationID {
			return ledger.Transaction{}, ledger.ErrPaymentReferenceConflict
		}
		return prev, nil
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !replay {
		s.afterCommit(ctx, out)
	}
	return out, nil
}

func (s *Store) TransferToAdAccount(ctx context.Context, orgID, assetID string, amount int64, actor audit.Actor) (ledger.Transaction, error) {
	if amount <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if !ledger.CanOperate(actor, orgID) {
		return ledger.Transaction{}, ledger.ErrAccessDenied
	}
	p, err := s.PlanFor(ctx, orgID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	b, err := ledger.TransferBreakdown(amount, p, s.policy)
	if err != nil {
		return ledger.Transaction{}, err
	}

	t := s.newTransaction(orgID, ledger.KindAccountTransfer, b, actor)
	t.Source = ledger.WalletRef(orgID)
	t.Destination = ledger.AdAccountRef(assetID)

	err = s.inTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		w, err := getWallet(ctx, tx, orgID, true)
		if err != nil {
			return err
		}
		if err := checkBoundAdAccount(ctx, tx, orgID, assetID); err != nil {
			return err
		}
		if w.Balance < b.Total {
			return &ledger.FundsError{Available: w.Balance, Required: b.Total}
		}
		if _, err := tx.ExecContext(ctx, `
			update wallets set balance_cents = balance_cents - $2, fees_paid_cents = fees_paid_cents + $3, updated_at = $4
			where organization_id = $1
		`, orgID, b.Total, b.Fee, t.CreatedAt); err != nil {
			return ledgerWriteError(err, w.Balance, b.Total)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into ad_account_balances (organization_id, asset_id, balance_cents, updated_at)
			values ($1, $2, $3, $4)
			on conflict (organization_id, asset_id) do update set
				balance_cents = ad_account_balances.balance_cents + excluded.balance_cents,
				updated_at = excluded.updated_at
		`, orgID, assetID, b.Net, t.CreatedAt); err != nil {
			return store.Unavailable(err)
		}
		t.Status = ledger.StatusCompleted
		if t.Sequence, err = insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		entry := audit.NewEntry(actor, audit.ActionTransfer, "ad_account", assetID, ledger.AuditMetadata(t))
		return insertAudit(ctx, tx, entry)
	})
	return s.finish(ctx, t, err)
}

func (s *Store) WithdrawFromAdAccount(ctx context.Context, orgID, assetID string, amount int64, actor audit.Actor) (ledger.Transaction, error) {
	if amount <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if !ledger.CanOperate(actor, orgID) {
		return ledger.Transaction{}, ledger.ErrAccessDenied
	}
	b, err := fee.Apply(amount, decimal.Zero, ledger.KindWithdrawal.FeeMode())
	if err != nil {
		return ledger.Transaction{}, err
	}

	t := s.newTransaction(orgID, ledger.KindWithdrawal, b, actor)
	t.Source = ledger.AdAccountRef(assetID)
	t.Destination = ledger.WalletRef(orgID)

	err = s.inTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		if _, err := getWallet(ctx, tx, orgID, true); err != nil {
			return err
		}
		var balance int64
		err := tx.QueryRowContext(ctx, `
			select balance_cents from ad_account_balances where organization_id = $1 and asset_id = $2 for update
		`, orgID, assetID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no balance for %s", ledger.ErrAssetNotBound, assetID)
		}
		if err != nil {
			return store.Unavailable(err)
		}
		if err := ledger.WithdrawalAllowed(balance, b.Gross, s.policy); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update ad_account_balances set balance_cents = balance_cents - $3, updated_at = $4
			where organization_id = $1 and asset_id = $2
		`, orgID, assetID, b.Gross, t.CreatedAt); err != nil {
			return ledgerWriteError(err, balance, b.Gross)
		}
		if _, err := tx.ExecContext(ctx, `
			update wallets set balance_cents = balance_cents + $2, updated_at = $3 where organization_id = $1
		`, orgID, b.Net, t.CreatedAt); err != nil {
			return store.Unavailable(err)
		}
		t.Status = ledger.StatusCompleted
		if t.Sequence, err = insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		entry := audit.NewEntry(actor, audit.ActionWithdrawal, "ad_account", assetID, ledger.AuditMetadata(t))
		return insertAudit(ctx, tx, entry)
	})
	return s.finish(ctx, t, err)
}

func (s *Store) GetAdAccountBalance(ctx context.Context, orgID, assetID string) (ledger.AdAccountBalance, error) {
	var a ledger.AdAccountBalance
	err := s.db.QueryRowContext(ctx, `
		select organization_id, asset_id, balance_cents, updated_at
		from ad_account_balances where organization_id = $1 and asset_id = $2
	`, orgID, assetID).Scan(&a.OrganizationID, &a.AssetID, &a.Balance, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.AdAccountBalance{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.AdAccountBalance{}, store.Unavailable(err)
	}
	return a, nil
}

func (s *Store) ListAdAccountBalances(ctx context.Context, orgID string) ([]ledger.AdAccountBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		select organization_id, asset_id, balance_cents, updated_at
		from ad_account_balances where organization_id = $1 order by asset_id
	`, orgID)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	defer rows.Close()
	out := make([]ledger.AdAccountBalance, 0)
	for rows.Next() {
		var a ledger.AdAccountBalance
		if err := rows.Scan(&a.OrganizationID, &a.AssetID, &a.Balance, &a.UpdatedAt); err != nil {
			return nil, store.Unavailable(err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(err)
	}
	return out, nil
}

func (s *Store) ListTransactions(ctx context.Context, orgID string, f ledger.Filter) (ledger.Page, error) {
	before, err := ledger.DecodeCursor(f.Cursor)
	if err != nil {
		return ledger.Page{}, err
	}
	limit := ledger.ClampLimit(f.Limit)
	rows, err := s.db.QueryContext(ctx, `
		select `+txColumns+`
		from transactions
		where organization_id = $1
		  and ($2::text = '' or kind = $2)
		  and ($3::text = '' or status = $3)
		  and ($4::bigint = 0 or sequence < $4)
		order by sequence desc
		limit $5
	`, orgID, string(f.Kind), string(f.Status), int64(before), limit+1)
	if err != nil {
		return ledger.Page{}, store.Unavailable(err)
	}
	defer rows.Close()

	items := make([]ledger.Transaction, 0, limit)
	more := false
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return ledger.Page{}, store.Unavailable(err)
		}
		if len(items) == limit {
			more = true
			break
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return ledger.Page{}, store.Unavailable(err)
	}
	page := ledger.Page{Items: items}
	if more {
		page.NextCursor = ledger.EncodeCursor(items[len(items)-1].Sequence)
	}
	return page, nil
}

func checkBoundAdAccount(ctx context.Context, tx *sql.Tx, orgID, assetID string) error {
	a, err := getAsset(ctx, tx, assetID)
	if errors.Is(err, asset.ErrNotFound) {
		return fmt.Errorf("%w: unknown asset %s", ledger.ErrAssetNotBound, assetID)
	}
	if err != nil {
		return err
	}
	if a.Type != asset.TypeAdAccount {
		return fmt.Errorf("%w: %s is a %s", ledger.ErrAssetNotBound, assetID, a.Type)
	}
	var one int
	err = tx.QueryRowContext(ctx, `
		select 1 from asset_bindings
		where asset_id = $1 and organization_id = $2 and status = 'active'
		for share
	`, assetID, orgID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrAssetNotBound, assetID)
	}
	if err != nil {
		return store.Unavailable(err)
	}
	return nil
}

func transactionByPayment(ctx context.Context, q queryer, ref string) (ledger.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx, `
		select `+txColumns+`
		from transactions where payment_reference = $1 and status = 'completed'
	`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, store.Unavailable(err)
	}
	return t, nil
}

func insertTransaction(ctx context.Context, q queryer, t ledger.Transaction) (uint64, error) {
	var seq uint64
	err := q.QueryRowContext(ctx, `
		insert into transactions (id, organization_id, kind, status, gross_cents, fee_cents, net_cents, currency,
			source, destination, payment_reference, actor_id, on_behalf_of, session_id, failure_reason, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		returning sequence
	`, t.ID, t.OrganizationID, string(t.Kind), string(t.Status), t.Gross, t.Fee, t.Net, t.Currency,
		t.Source, t.Destination, nullString(t.PaymentReference), t.Actor.ID, nullString(t.Actor.ActingAs),
		nullString(t.Actor.SessionID), nullString(t.FailureReason), t.CreatedAt).Scan(&seq)
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return 0, err
		}
		return 0, store.Unavailable(err)
	}
	return seq, nil
}

// ledgerWriteError maps the non-negative balance constraint to FundsError.
func ledgerWriteError(err error, available, required int64) error {
	if isPgCode(err, pgErrCheckViolation) {
		return &ledger.FundsError{Available: available, Required: required}
	}
	return store.Unavailable(err)
}

func (s *Store) newTransaction(orgID string, kind ledger.Kind, b fee.Breakdown, actor audit.Actor) ledger.Transaction {
	return ledger.Transaction{
		ID:             ledger.NewTransactionID(),
		OrganizationID: orgID,
		Kind:           kind,
		Status:         ledger.StatusPending,
		Gross:          b.Gross,
		Fee:            b.Fee,
		Net:            b.Net,
		Currency:       ledger.DefaultCurrency,
		Actor:          actor,
		CreatedAt:      s.now().UTC(),
	}
}

// finish records refused transfers and withdrawals as failed and publishes
// completed ones.
func (s *Store) finish(ctx context.Context, t ledger.Transaction, err error) (ledger.Transaction, error) {
	if err == nil {
		s.afterCommit(ctx, t)
		return t, nil
	}
	if !errors.Is(err, ledger.ErrAssetNotBound) && !errors.Is(err, ledger.ErrInsufficientFunds) {
		return ledger.Transaction{}, err
	}
	t.Status = ledger.StatusFailed
	t.FailureReason = err.Error()
	rerr := s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		var ierr error
		if t.Sequence, ierr = insertTransaction(ctx, tx, t); ierr != nil {
			return ierr
		}
		meta := ledger.AuditMetadata(t)
		meta["reason"] = t.FailureReason
		return insertAudit(ctx, tx, audit.NewEntry(t.Actor, ledger.FailureAction(t.Kind), "transaction", t.ID, meta))
	})
	if rerr != nil {
		obs.Logger().Warn("record failed transaction", "transaction_id", t.ID, "error", rerr)
	}
	obs.RecordTransaction(string(t.Kind), string(t.Status), 0)
	return t, err
}

func (s *Store) afterCommit(ctx context.Context, t ledger.Transaction) {
	obs.RecordTransaction(string(t.Kind), string(t.Status), t.Fee)
	s.publish(ctx, events.New(events.WalletChanged, t.OrganizationID, t.ID, string(t.Kind)))
}
