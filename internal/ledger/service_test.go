package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/audit"
	"adfunds.io/internal/plan"
)

type fakeBindings struct {
	mu    sync.Mutex
	bound map[string]bool
}

func (f *fakeBindings) bind(org, assetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[org+"/"+assetID] = true
}

func (f *fakeBindings) unbind(org, assetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bound, org+"/"+assetID)
}

func (f *fakeBindings) ActiveBinding(_ context.Context, org, assetID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound[org+"/"+assetID], nil
}

var (
	payments = audit.Actor{ID: "payments-webhook", Roles: []string{audit.RolePayments}}
	member   = audit.Actor{ID: "u1", OrganizationID: "org_a", Roles: []string{audit.RoleMember}}
)

type fixture struct {
	svc      *InMemory
	bindings *fakeBindings
	sink     *audit.MemorySink
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	catalog := plan.DefaultCatalog()
	assignments := plan.NewInMemoryAssignments(catalog)
	for org, p := range map[string]string{"org_a": "starter", "org_b": "growth"} {
		if err := assignments.Assign(org, p); err != nil {
			t.Fatal(err)
		}
	}
	assets := asset.NewInMemoryDirectory(
		asset.Asset{ID: "act_1", Type: asset.TypeAdAccount, ExternalID: "1", Status: asset.StatusActive},
		asset.Asset{ID: "act_2", Type: asset.TypeAdAccount, ExternalID: "2", Status: asset.StatusActive},
		asset.Asset{ID: "px_1", Type: asset.TypePixel, ExternalID: "3", Status: asset.StatusActive},
	)
	bindings := &fakeBindings{bound: map[string]bool{}}
	sink := audit.NewMemorySink()
	opts = append([]Option{WithAssets(assets), WithAuditSink(sink)}, opts...)
	svc := NewInMemory(plan.NewDirectory(catalog, assignments), bindings, opts...)
	for _, org := range []string{"org_a", "org_b"} {
		if _, err := svc.OpenWallet(context.Background(), org); err != nil {
			t.Fatal(err)
		}
	}
	return fixture{svc: svc, bindings: bindings, sink: sink}
}

func TestTopUpDeductsFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 100000, PaymentReference: "pay_1"}, payments)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusCompleted || tx.Fee != 5000 || tx.Net != 95000 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	w, _ := f.svc.GetWallet(ctx, "org_a")
	if w.Balance != 95000 {
		t.Fatalf("wallet balance = %d, want 95000", w.Balance)
	}
	if got := f.sink.Actions(); len(got) != 1 || got[0] != audit.ActionWalletTopUp {
		t.Fatalf("unexpected audit trail %v", got)
	}
}

func TestTopUpIsIdempotentOnPaymentReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := TopUp{OrganizationID: "org_a", Gross: 100000, PaymentReference: "pay_1"}

	tx1, err := f.svc.TopUpWallet(ctx, in, payments)
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := f.svc.TopUpWallet(ctx, in, payments)
	if err != nil {
		t.Fatal(err)
	}
	if tx1.ID != tx2.ID || tx1.Sequence != tx2.Sequence {
		t.Fatalf("replay returned a different transaction: %#v != %#v", tx1, tx2)
	}
	w, _ := f.svc.GetWallet(ctx, "org_a")
	if w.Balance != 95000 {
		t.Fatalf("replay credited twice: balance %d", w.Balance)
	}

	in.OrganizationID = "org_b"
	if _, err := f.svc.TopUpWallet(ctx, in, payments); !errors.Is(err, ErrPaymentReferenceConflict) {
		t.Fatalf("expected ErrPaymentReferenceConflict, got %v", err)
	}
}

func TestTopUpValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		in    TopUp
		actor audit.Actor
		want  error
	}{
		{TopUp{OrganizationID: "org_a", Gross: 0, PaymentReference: "p"}, payments, ErrInvalidAmount},
		{TopUp{OrganizationID: "org_a", Gross: 10, PaymentReference: " "}, payments, ErrMissingPaymentReference},
		{TopUp{OrganizationID: "org_a", Gross: 10, PaymentReference: "p", Currency: "EUR"}, payments, ErrInvalidCurrency},
		{TopUp{OrganizationID: "org_a", Gross: 10, PaymentReference: "p"}, member, ErrAccessDenied},
		{TopUp{OrganizationID: "org_x", Gross: 10, PaymentReference: "p"}, payments, plan.ErrOrganizationNotFound},
	}
	for _, tc := range cases {
		if _, err := f.svc.TopUpWallet(ctx, tc.in, tc.actor); !errors.Is(err, tc.want) {
			t.Fatalf("TopUpWallet(%+v) = %v, want %v", tc.in, err, tc.want)
		}
	}
}

func TestTransferSuccessAndBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bindings.bind("org_a", "act_1")
	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 100000, PaymentReference: "pay_1"}, payments); err != nil {
		t.Fatal(err)
	}

	tx, err := f.svc.TransferToAdAccount(ctx, "org_a", "act_1", 20000, member)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusCompleted || tx.Fee != 0 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	w, _ := f.svc.GetWallet(ctx, "org_a")
	acct, _ := f.svc.GetAdAccountBalance(ctx, "org_a", "act_1")
	if w.Balance != 75000 || acct.Balance != 20000 {
		t.Fatalf("unexpected balances: wallet=%d account=%d", w.Balance, acct.Balance)
	}
}

func TestTransferChargesFeeWhenEnabled(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{ChargeTransferFee: true}))
	ctx := context.Background()
	f.bindings.bind("org_a", "act_1")
	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 100000, PaymentReference: "pay_1"}, payments); err != nil {
		t.Fatal(err)
	}

	tx, err := f.svc.TransferToAdAccount(ctx, "org_a", "act_1", 20000, member)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Fee != 1000 || tx.Net != 20000 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	wallet, fees, accounts := f.svc.Totals("org_a")
	if wallet != 74000 || fees != 1000 || accounts != 20000 {
		t.Fatalf("unexpected totals wallet=%d fees=%d accounts=%d", wallet, fees, accounts)
	}
}

func TestInsufficientFundsLeavesStateAndRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bindings.bind("org_a", "act_1")
	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 10000, PaymentReference: "pay_1"}, payments); err != nil {
		t.Fatal(err)
	}

	tx, err := f.svc.TransferToAdAccount(ctx, "org_a", "act_1", 20000, member)
	var funds *FundsError
	if !errors.As(err, &funds) || !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected FundsError, got %v", err)
	}
	if funds.Available != 9500 || funds.Required != 20000 {
		t.Fatalf("unexpected funds context %+v", funds)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("expected failed record, got %+v", tx)
	}
	w, _ := f.svc.GetWallet(ctx, "org_a")
	if w.Balance != 9500 {
		t.Fatalf("wallet changed on failure: %d", w.Balance)
	}
	if _, err := f.svc.GetAdAccountBalance(ctx, "org_a", "act_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ad account should not exist, got %v", err)
	}
	page, _ := f.svc.ListTransactions(ctx, "org_a", Filter{Status: StatusFailed})
	if len(page.Items) != 1 || page.Items[0].ID != tx.ID {
		t.Fatalf("failed transaction not retained: %+v", page.Items)
	}
}

func TestTransferRequiresBoundAdAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 100000, PaymentReference: "pay_1"}, payments); err != nil {
		t.Fatal(err)
	}
	f.bindings.bind("org_a", "px_1")
	f.bindings.bind("org_b", "act_2")

	for _, assetID := range []string{"act_2", "px_1", "missing"} {
		tx, err := f.svc.TransferToAdAccount(ctx, "org_a", assetID, 100, member)
		if !errors.Is(err, ErrAssetNotBound) {
			t.Fatalf("transfer to %s: expected ErrAssetNotBound, got %v", assetID, err)
		}
		if tx.Status != StatusFailed {
			t.Fatalf("transfer to %s: expected failed record", assetID)
		}
	}
	if _, err := f.svc.TransferToAdAccount(ctx, "org_a", "act_1", -5, member); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.svc.TransferToAdAccount(ctx, "org_b", "act_2", 100, member); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestWithdrawRespectsRetainedFloor(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{MinRetainedBalance: 1000}))
	ctx := context.Background()
	f.bindings.bind("org_a", "act_1")
	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 100000, PaymentReference: "pay_1"}, payments); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TransferToAdAccount(ctx, "org_a", "act_1", 20000, member); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.WithdrawFromAdAccount(ctx, "org_a", "act_1", 19500, member)
	var funds *FundsError
	if !errors.As(err, &funds) || funds.Available != 19000 {
		t.Fatalf("expected FundsError with 19000 available, got %v", err)
	}
	if _, err := f.svc.WithdrawFromAdAccount(ctx, "org_a", "act_1", 19000, member); err != nil {
		t.Fatal(err)
	}
	w, _ := f.svc.GetWallet(ctx, "org_a")
	acct, _ := f.svc.GetAdAccountBalance(ctx, "org_a", "act_1")
	if w.Balance != 94000 || acct.Balance != 1000 {
		t.Fatalf("unexpected balances wallet=%d account=%d", w.Balance, acct.Balance)
	}

	// Funds stay reachable after the binding is revoked.
	f.bindings.unbind("org_a", "act_1")
	if _, err := f.svc.WithdrawFromAdAccount(ctx, "org_a", "act_1", 1, member); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected the floor to apply after revoke, got %v", err)
	}
	if _, err := f.svc.WithdrawFromAdAccount(ctx, "org_a", "act_2", 1, member); !errors.Is(err, ErrAssetNotBound) {
		t.Fatalf("expected ErrAssetNotBound without a balance, got %v", err)
	}
}

func TestListTransactionsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ref := fmt.Sprintf("pay_%d", i)
		if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 1000, PaymentReference: ref}, payments); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_b", Gross: 1000, PaymentReference: "other"}, payments); err != nil {
		t.Fatal(err)
	}

	var seen []uint64
	cursor := ""
	for {
		page, err := f.svc.ListTransactions(ctx, "org_a", Filter{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatal(err)
		}
		for _, tx := range page.Items {
			seen = append(seen, tx.Sequence)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 transactions, got %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] >= seen[i-1] {
			t.Fatalf("not newest first: %v", seen)
		}
	}
	if _, err := f.svc.ListTransactions(ctx, "org_a", Filter{Cursor: "!!"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bindings.bind("org_a", "act_1")
	f.bindings.bind("org_a", "act_2")
	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 10000, PaymentReference: "pay_1"}, payments); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := "act_1"
			if i%2 == 0 {
				target = "act_2"
			}
			_, _ = f.svc.TransferToAdAccount(ctx, "org_a", target, 300, member)
		}(i)
	}
	wg.Wait()

	wallet, _, accounts := f.svc.Totals("org_a")
	if wallet < 0 {
		t.Fatalf("wallet went negative: %d", wallet)
	}
	if wallet+accounts != 9500 {
		t.Fatalf("conservation violated: wallet+accounts=%d", wallet+accounts)
	}
}

func TestRandomSequenceConservesMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bindings.bind("org_a", "act_1")
	f.bindings.bind("org_a", "act_2")
	rnd := rand.New(rand.NewSource(7))

	var credited int64
	for i := 0; i < 500; i++ {
		target := []string{"act_1", "act_2"}[rnd.Intn(2)]
		amount := int64(rnd.Intn(5000) + 1)
		switch rnd.Intn(3) {
		case 0:
			tx, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: amount, PaymentReference: fmt.Sprintf("pay_%d", i)}, payments)
			if err != nil {
				t.Fatal(err)
			}
			credited += tx.Net
		case 1:
			_, _ = f.svc.TransferToAdAccount(ctx, "org_a", target, amount, member)
		case 2:
			_, _ = f.svc.WithdrawFromAdAccount(ctx, "org_a", target, amount, member)
		}
		wallet, _, accounts := f.svc.Totals("org_a")
		if wallet < 0 || accounts < 0 {
			t.Fatalf("negative balance after step %d", i)
		}
		if wallet+accounts != credited {
			t.Fatalf("step %d: wallet+accounts=%d, credited=%d", i, wallet+accounts, credited)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	seq, err := DecodeCursor(EncodeCursor(42))
	if err != nil || seq != 42 {
		t.Fatalf("DecodeCursor = %d, %v", seq, err)
	}
	if seq, err := DecodeCursor(""); err != nil || seq != 0 {
		t.Fatalf("empty cursor = %d, %v", seq, err)
	}
}

func TestImpersonationIsScopedToTargetOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acting := audit.Actor{ID: "ops", Roles: []string{audit.RoleAdmin}, SessionID: "imp_1", ActingAs: "org_a"}
	f.bindings.bind("org_a", "act_1")
	f.bindings.bind("org_b", "act_2")
	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_b", Gross: 100000, PaymentReference: "pay_b"}, payments); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TransferToAdAccount(ctx, "org_b", "act_2", 10000, audit.Actor{ID: "u2", OrganizationID: "org_b", Roles: []string{audit.RoleMember}}); err != nil {
		t.Fatal(err)
	}
	before := len(f.sink.Actions())

	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_b", Gross: 5000, PaymentReference: "pay_x"}, acting); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("top-up outside the impersonated organization: got %v", err)
	}
	if _, err := f.svc.TransferToAdAccount(ctx, "org_b", "act_2", 1000, acting); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("transfer outside the impersonated organization: got %v", err)
	}
	if _, err := f.svc.WithdrawFromAdAccount(ctx, "org_b", "act_2", 1000, acting); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("withdrawal outside the impersonated organization: got %v", err)
	}
	w, _ := f.svc.GetWallet(ctx, "org_b")
	acct, _ := f.svc.GetAdAccountBalance(ctx, "org_b", "act_2")
	if w.Balance != 87000 || acct.Balance != 10000 {
		t.Fatalf("org_b changed: wallet=%d account=%d", w.Balance, acct.Balance)
	}
	if got := len(f.sink.Actions()); got != before {
		t.Fatalf("denied calls wrote %d audit entries", got-before)
	}

	if _, err := f.svc.TopUpWallet(ctx, TopUp{OrganizationID: "org_a", Gross: 100000, PaymentReference: "pay_a"}, acting); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TransferToAdAccount(ctx, "org_a", "act_1", 1000, acting); err != nil {
		t.Fatal(err)
	}
}
