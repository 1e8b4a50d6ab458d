package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adfunds.io/internal/audit"
	"adfunds.io/internal/entitlement"
	"adfunds.io/internal/impersonation"
	"adfunds.io/internal/ledger"
	"adfunds.io/internal/plan"
	"adfunds.io/internal/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var txCols = []string{"id", "sequence", "organization_id", "kind", "status", "gross_cents", "fee_cents", "net_cents",
	"currency", "source", "destination", "payment_reference", "actor_id", "on_behalf_of", "session_id", "failure_reason", "created_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, plan.DefaultCatalog(), WithClock(func() time.Time { return fixedNow })), mock
}

func payments() audit.Actor {
	return audit.Actor{ID: "svc_payments", Roles: []string{audit.RolePayments}}
}

func member(org string) audit.Actor {
	return audit.Actor{ID: "usr_1", OrganizationID: org, Roles: []string{audit.RoleMember}}
}

func expectPlan(mock sqlmock.Sqlmock, org, planID string) {
	mock.ExpectQuery(`select plan_id from organizations where id = \$1`).
		WithArgs(org).
		WillReturnRows(sqlmock.NewRows([]string{"plan_id"}).AddRow(planID))
}

func expectWallet(mock sqlmock.Sqlmock, org string, balance int64) {
	mock.ExpectQuery(`from wallets where organization_id = \$1 for update`).
		WithArgs(org).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "currency", "balance_cents", "fees_paid_cents", "updated_at"}).
			AddRow(org, "USD", balance, 0, fixedNow))
}

func TestTopUpWalletInsertsTransactionAndAudit(t *testing.T) {
	s, mock := newMockStore(t)

	expectPlan(mock, "org_a", "starter")
	mock.ExpectBegin()
	mock.ExpectQuery(`from transactions where payment_reference = \$1`).
		WithArgs("pay_1").
		WillReturnRows(sqlmock.NewRows(txCols))
	expectWallet(mock, "org_a", 0)
	mock.ExpectExec(`update wallets set balance_cents = balance_cents \+ \$2`).
		WithArgs("org_a", int64(9500), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`insert into transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(7))
	mock.ExpectExec(`insert into audit_log`).
		WithArgs(sqlmock.AnyArg(), "svc_payments", nil, nil, audit.ActionWalletTopUp, "wallet", "org_a", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.TopUpWallet(context.Background(), ledger.TopUp{OrganizationID: "org_a", Gross: 10000, PaymentReference: "pay_1"}, payments())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), tx.Sequence)
	assert.Equal(t, int64(500), tx.Fee)
	assert.Equal(t, int64(9500), tx.Net)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopUpWalletReplaysPaymentReference(t *testing.T) {
	s, mock := newMockStore(t)

	expectPlan(mock, "org_a", "starter")
	mock.ExpectBegin()
	mock.ExpectQuery(`from transactions where payment_reference = \$1`).
		WillReturnRows(sqlmock.NewRows(txCols).AddRow("txn_1", 3, "org_a", "wallet_topup", "completed", 10000, 500, 9500,
			"USD", "payment:pay_1", "wallet:org_a", "pay_1", "svc_payments", "", "", "", fixedNow))
	mock.ExpectCommit()

	tx, err := s.TopUpWallet(context.Background(), ledger.TopUp{OrganizationID: "org_a", Gross: 10000, PaymentReference: "pay_1"}, payments())
	require.NoError(t, err)
	assert.Equal(t, "txn_1", tx.ID)
	assert.Equal(t, uint64(3), tx.Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopUpWalletRejectsForeignPaymentReference(t *testing.T) {
	s, mock := newMockStore(t)

	expectPlan(mock, "org_b", "growth")
	mock.ExpectBegin()
	mock.ExpectQuery(`from transactions where payment_reference = \$1`).
		WillReturnRows(sqlmock.NewRows(txCols).AddRow("txn_1", 3, "org_a", "wallet_topup", "completed", 10000, 500, 9500,
			"USD", "payment:pay_1", "wallet:org_a", "pay_1", "svc_payments", "", "", "", fixedNow))
	mock.ExpectRollback()

	_, err := s.TopUpWallet(context.Background(), ledger.TopUp{OrganizationID: "org_b", Gross: 10000, PaymentReference: "pay_1"}, payments())
	require.ErrorIs(t, err, ledger.ErrPaymentReferenceConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopUpWalletRetriesSerializationFailure(t *testing.T) {
	s, mock := newMockStore(t)

	expectPlan(mock, "org_a", "starter")
	mock.ExpectBegin()
	mock.ExpectQuery(`from transactions where payment_reference = \$1`).
		WillReturnError(&pgconn.PgError{Code: pgErrSerialization})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(`from transactions where payment_reference = \$1`).
		WillReturnRows(sqlmock.NewRows(txCols))
	expectWallet(mock, "org_a", 0)
	mock.ExpectExec(`update wallets`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`insert into transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(1))
	mock.ExpectExec(`insert into audit_log`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.TopUpWallet(context.Background(), ledger.TopUp{OrganizationID: "org_a", Gross: 100, PaymentReference: "pay_2"}, payments())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferInsufficientFundsIsRecordedAsFailed(t *testing.T) {
	s, mock := newMockStore(t)

	expectPlan(mock, "org_a", "starter")
	mock.ExpectBegin()
	expectWallet(mock, "org_a", 100)
	mock.ExpectQuery(`from assets where id = \$1`).
		WithArgs("act_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "external_id", "name", "status", "attributes", "synced_at"}).
			AddRow("act_1", "ad_account", "ext_1", "Main", "active", []byte(`{"account_id":"a1","currency":"USD"}`), fixedNow))
	mock.ExpectQuery(`select 1 from asset_bindings`).
		WithArgs("act_1", "org_a").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(`insert into transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(9))
	mock.ExpectExec(`insert into audit_log`).
		WithArgs(sqlmock.AnyArg(), "usr_1", nil, nil, audit.ActionTransferFailed, "transaction", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.TransferToAdAccount(context.Background(), "org_a", "act_1", 500, member("org_a"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	var fe *ledger.FundsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(100), fe.Available)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Equal(t, uint64(9), tx.Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferDeniedForOutsider(t *testing.T) {
	s, mock := newMockStore(t)
	_, err := s.TransferToAdAccount(context.Background(), "org_a", "act_1", 500, member("org_b"))
	require.ErrorIs(t, err, ledger.ErrAccessDenied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransactionsReturnsCursor(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows(txCols)
	for seq := 5; seq >= 3; seq-- {
		rows.AddRow("txn", seq, "org_a", "wallet_topup", "completed", 100, 0, 100,
			"USD", "payment:x", "wallet:org_a", "", "svc", "", "", "", fixedNow)
	}
	mock.ExpectQuery(`from transactions`).
		WithArgs("org_a", "", "", int64(0), 3).
		WillReturnRows(rows)

	page, err := s.ListTransactions(context.Background(), "org_a", ledger.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ledger.EncodeCursor(4), page.NextCursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBindAssetUniqueViolationMeansAlreadyBound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select plan_id from organizations where id = \$1 for update`).
		WithArgs("org_a").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id"}).AddRow("growth"))
	mock.ExpectQuery(`from assets where id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "external_id", "name", "status", "attributes", "synced_at"}).
			AddRow("px_1", "pixel", "ext_px", "Pixel", "active", []byte(`{"pixel_id":"p1"}`), fixedNow))
	mock.ExpectQuery(`from asset_bindings where asset_id = \$1 and status = 'active'`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`select count\(\*\) from asset_bindings`).
		WillReturnRows(sqlmock.NewRows([]string{"active", "pending"}).AddRow(0, 0))
	mock.ExpectQuery(`insert into asset_bindings`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "asset_bindings_one_active_uq"})
	mock.ExpectRollback()

	_, err := s.BindAsset(context.Background(), "org_a", "px_1", member("org_a"))
	require.ErrorIs(t, err, entitlement.ErrAssetAlreadyBound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitApplicationRefusedAtLimit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select plan_id from organizations where id = \$1 for update`).
		WillReturnRows(sqlmock.NewRows([]string{"plan_id"}).AddRow("free"))
	mock.ExpectQuery(`select count\(\*\) from asset_bindings`).
		WithArgs("org_a", "pixel", "").
		WillReturnRows(sqlmock.NewRows([]string{"active", "pending"}).AddRow(0, 1))
	mock.ExpectRollback()

	_, err := s.SubmitApplication(context.Background(), "org_a", "pixel", nil, member("org_a"))
	var le *entitlement.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 1, le.Pending)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionSessionLosesRace(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "admin_id", "organization_id", "reason", "status", "created_at", "expires_at", "ended_at", "client_ip", "user_agent"}

	mock.ExpectBegin()
	mock.ExpectQuery(`update impersonation_sessions set status = \$2`).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`from impersonation_sessions where id = \$1`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("imp_1", "adm_1", "org_a", "customer ticket 42", "ended",
			fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour), fixedNow.Add(-time.Minute), "", ""))
	mock.ExpectCommit()

	entry := audit.NewEntry(audit.System("sweeper"), audit.ActionImpersonationExpire, "impersonation_session", "imp_1", nil)
	sess, ok, err := s.TransitionSession(context.Background(), "imp_1", impersonation.StatusExpired, fixedNow, entry)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, impersonation.StatusEnded, sess.Status)
	require.NotNil(t, sess.EndedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWrapsDriverError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)

	s := New(db, plan.DefaultCatalog())
	err = s.Ping(context.Background())
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

var (
	appCols     = []string{"id", "organization_id", "request_type", "status", "attributes", "asset_id", "rejection_reason", "submitted_by", "created_at", "updated_at"}
	bindingCols = []string{"id", "asset_id", "asset_type", "organization_id", "status", "bound_at", "bound_by", "revoked_at", "revoked_by"}
	assetCols   = []string{"id", "type", "external_id", "name", "status", "attributes", "synced_at"}
)

func TestWithdrawBelowRetainedFloorIsRecordedAsFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db, plan.DefaultCatalog(), WithClock(func() time.Time { return fixedNow }),
		WithPolicy(ledger.Policy{MinRetainedBalance: 5000}))

	mock.ExpectBegin()
	expectWallet(mock, "org_a", 0)
	mock.ExpectQuery(`select balance_cents from ad_account_balances where organization_id = \$1 and asset_id = \$2 for update`).
		WithArgs("org_a", "act_1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(8000))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(`insert into transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(12))
	mock.ExpectExec(`insert into audit_log`).
		WithArgs(sqlmock.AnyArg(), "usr_1", nil, nil, audit.ActionWithdrawalFailed, "transaction", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.WithdrawFromAdAccount(context.Background(), "org_a", "act_1", 4000, member("org_a"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	var fe *ledger.FundsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(3000), fe.Available)
	assert.Equal(t, ledger.KindWithdrawal, tx.Kind)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Equal(t, uint64(12), tx.Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectOpenApplication(mock sqlmock.Sqlmock, appID, org string) {
	mock.ExpectQuery(`from applications where id = \$1 for update`).
		WithArgs(appID).
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(appID, org, "ad_account", "processing", []byte("null"), "", "", "usr_1", fixedNow, fixedNow))
	mock.ExpectQuery(`select plan_id from organizations where id = \$1 for update`).
		WithArgs(org).
		WillReturnRows(sqlmock.NewRows([]string{"plan_id"}).AddRow("starter"))
	mock.ExpectQuery(`from assets where id = \$1`).
		WithArgs("act_1").
		WillReturnRows(sqlmock.NewRows(assetCols).
			AddRow("act_1", "ad_account", "ext_1", "Main", "active", []byte(`{"account_id":"a1","currency":"USD"}`), fixedNow))
	mock.ExpectExec(`update applications set status = 'fulfilled'`).
		WithArgs(appID, "act_1", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into audit_log`).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestFulfillUniqueViolationRollsBackAndLeavesApplicationOpen(t *testing.T) {
	s, mock := newMockStore(t)
	operator := audit.Actor{ID: "adm_1", Roles: []string{audit.RoleAdmin}}

	mock.ExpectBegin()
	expectOpenApplication(mock, "app_1", "org_a")
	mock.ExpectQuery(`from asset_bindings where asset_id = \$1 and status = 'active'`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`select count\(\*\) from asset_bindings`).
		WithArgs("org_a", "ad_account", "app_1").
		WillReturnRows(sqlmock.NewRows([]string{"active", "pending"}).AddRow(0, 0))
	mock.ExpectQuery(`insert into asset_bindings`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "asset_bindings_one_active_uq"})
	mock.ExpectRollback()

	_, err := s.FulfillApplication(context.Background(), "app_1", "act_1", operator)
	require.ErrorIs(t, err, entitlement.ErrAssetAlreadyBound)
	// The status update and audit row were written inside the rolled back
	// transaction; no commit was issued.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFulfillRejectsAssetAlreadyHeldBySameOrganization(t *testing.T) {
	s, mock := newMockStore(t)
	operator := audit.Actor{ID: "adm_1", Roles: []string{audit.RoleAdmin}}

	mock.ExpectBegin()
	expectOpenApplication(mock, "app_1", "org_a")
	mock.ExpectQuery(`from asset_bindings where asset_id = \$1 and status = 'active'`).
		WithArgs("act_1").
		WillReturnRows(sqlmock.NewRows(bindingCols).AddRow("bnd_1", "act_1", "ad_account", "org_a", "active", fixedNow, "usr_1", nil, ""))
	mock.ExpectRollback()

	_, err := s.FulfillApplication(context.Background(), "app_1", "act_1", operator)
	require.ErrorIs(t, err, entitlement.ErrAssetAlreadyBound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeBindingIsIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	operator := audit.Actor{ID: "adm_1", Roles: []string{audit.RoleAdmin}}
	revokedAt := fixedNow.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`from asset_bindings where id = \$1 for update`).
		WithArgs("bnd_1").
		WillReturnRows(sqlmock.NewRows(bindingCols).AddRow("bnd_1", "act_1", "ad_account", "org_a", "active", fixedNow.Add(-2*time.Hour), "usr_1", nil, ""))
	mock.ExpectExec(`update asset_bindings set status = 'revoked'`).
		WithArgs("bnd_1", fixedNow, "adm_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into audit_log`).
		WithArgs(sqlmock.AnyArg(), "adm_1", nil, nil, audit.ActionBindingRevoke, "binding", "bnd_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, err := s.RevokeBinding(context.Background(), "bnd_1", operator)
	require.NoError(t, err)
	assert.Equal(t, entitlement.BindingRevoked, first.Status)

	// A second revoke sees the revoked row and writes nothing.
	mock.ExpectBegin()
	mock.ExpectQuery(`from asset_bindings where id = \$1 for update`).
		WithArgs("bnd_1").
		WillReturnRows(sqlmock.NewRows(bindingCols).AddRow("bnd_1", "act_1", "ad_account", "org_a", "revoked", fixedNow.Add(-2*time.Hour), "usr_1", revokedAt, "adm_1"))
	mock.ExpectCommit()

	second, err := s.RevokeBinding(context.Background(), "bnd_1", operator)
	require.NoError(t, err)
	assert.Equal(t, entitlement.BindingRevoked, second.Status)
	require.NotNil(t, second.RevokedAt)
	assert.Equal(t, revokedAt, *second.RevokedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
