package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/audit"
	"adfunds.io/internal/events"
	"adfunds.io/internal/fee"
	"adfunds.io/internal/obs"
	"adfunds.io/internal/plan"
)

// Service defines ledger operations.
type Service interface {
	OpenWallet(ctx context.Context, orgID string) (Wallet, error)
	GetWallet(ctx context.Context, orgID string) (Wallet, error)
	TopUpWallet(ctx context.Context, in TopUp, actor audit.Actor) (Transaction, error)
	TransferToAdAccount(ctx context.Context, orgID, assetID string, amount int64, actor audit.Actor) (Transaction, error)
	WithdrawFromAdAccount(ctx context.Context, orgID, assetID string, amount int64, actor audit.Actor) (Transaction, error)
	GetAdAccountBalance(ctx context.Context, orgID, assetID string) (AdAccountBalance, error)
	ListAdAccountBalances(ctx context.Context, orgID string) ([]AdAccountBalance, error)
	ListTransactions(ctx context.Context, orgID string, f Filter) (Page, error)
}

// PlanResolver yields the plan in force for an organization.
type PlanResolver interface {
	PlanFor(ctx context.Context, orgID string) (plan.Plan, error)
}

// BindingChecker answers whether orgID currently holds an active binding on assetID.
type BindingChecker interface {
	ActiveBinding(ctx context.Context, orgID, assetID string) (bool, error)
}

// Option configures InMemory.
type Option func(*InMemory)

func WithAssets(d asset.Directory) Option     { return func(s *InMemory) { s.assets = d } }
func WithAuditSink(sink audit.Sink) Option    { return func(s *InMemory) { s.audit = sink } }
func WithPublisher(p events.Publisher) Option { return func(s *InMemory) { s.events = p } }
func WithPolicy(p Policy) Option              { return func(s *InMemory) { s.policy = p } }
func WithClock(now func() time.Time) Option   { return func(s *InMemory) { s.now = now } }

type accountKey struct{ org, asset string }

// InMemory implements Service with in-process concurrency safety. A single
// mutex serialises every mutation, so checks and writes are atomic.
type InMemory struct {
	plans    PlanResolver
	bindings BindingChecker
	assets   asset.Directory
	audit    audit.Sink
	events   events.Publisher
	policy   Policy
	now      func() time.Time

	mu        sync.RWMutex
	wallets   map[string]*Wallet
	accounts  map[accountKey]*AdAccountBalance
	seq       uint64
	txs       []Transaction
	byPayment map[string]int
}

// NewInMemory creates a fresh ledger.
func NewInMemory(plans PlanResolver, bindings BindingChecker, opts ...Option) *InMemory {
	s := &InMemory{
		plans:     plans,
		bindings:  bindings,
		audit:     audit.NewMemorySink(),
		events:    events.Nop{},
		now:       time.Now,
		wallets:   make(map[string]*Wallet),
		accounts:  make(map[accountKey]*AdAccountBalance),
		byPayment: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) OpenWallet(ctx context.Context, orgID string) (Wallet, error) {
	if _, err := s.plans.PlanFor(ctx, orgID); err != nil {
		return Wallet{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[orgID]
	if !ok {
		w = &Wallet{OrganizationID: orgID, Currency: DefaultCurrency, UpdatedAt: s.now().UTC()}
		s.wallets[orgID] = w
	}
	return *w, nil
}

func (s *InMemory) GetWallet(ctx context.Context, orgID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[orgID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *w, nil
}

func (s *InMemory) TopUpWallet(ctx context.Context, in TopUp, actor audit.Actor) (Transaction, error) {
	if in.Gross <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	in.PaymentReference = strings.TrimSpace(in.PaymentReference)
	if in.PaymentReference == "" {
		return Transaction{}, ErrMissingPaymentReference
	}
	if err := CheckCurrency(in.Currency); err != nil {
		return Transaction{}, err
	}
	if !CanTopUp(actor, in.OrganizationID) {
		return Transaction{}, ErrAccessDenied
	}
	p, err := s.plans.PlanFor(ctx, in.OrganizationID)
	if err != nil {
		return Transaction{}, err
	}
	b, err := fee.Apply(in.Gross, p.FeeRate, KindWalletTopUp.FeeMode())
	if err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	tx, replay, err := s.topUpLocked(ctx, in, b, actor)
	s.mu.Unlock()
	if err != nil || replay {
		return tx, err
	}
	s.notify(ctx, tx)
	return tx, nil
}

func (s *InMemory) topUpLocked(ctx context.Context, in TopUp, b fee.Breakdown, actor audit.Actor) (Transaction, bool, error) {
	if idx, ok := s.byPayment[in.PaymentReference]; ok {
		prev := s.txs[idx]
		if prev.OrganizationID != in.OrganizationID {
			return Transaction{}, false, ErrPaymentReferenceConflict
		}
		return prev, true, nil
	}
	w, ok := s.wallets[in.OrganizationID]
	if !ok {
		return Transaction{}, false, ErrWalletNotFound
	}
	tx := s.newTransaction(in.OrganizationID, KindWalletTopUp, b, actor)
	tx.Source = "payment:" + in.PaymentReference
	tx.Destination = WalletRef(in.OrganizationID)
	tx.PaymentReference = in.PaymentReference

	entry := audit.NewEntry(actor, audit.ActionWalletTopUp, "wallet", in.OrganizationID, AuditMetadata(tx))
	if err := s.audit.Append(ctx, entry); err != nil {
		return Transaction{}, false, err
	}
	w.Balance += b.Net
	w.UpdatedAt = tx.CreatedAt
	tx = s.commitLocked(tx, StatusCompleted, "")
	s.byPayment[in.PaymentReference] = len(s.txs) - 1
	return tx, false, nil
}

func (s *InMemory) TransferToAdAccount(ctx context.Context, orgID, assetID string, amount int64, actor audit.Actor) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if !CanOperate(actor, orgID) {
		return Transaction{}, ErrAccessDenied
	}
	p, err := s.plans.PlanFor(ctx, orgID)
	if err != nil {
		return Transaction{}, err
	}
	b, err := TransferBreakdown(amount, p, s.policy)
	if err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	tx, err := s.transferLocked(ctx, orgID, assetID, b, actor)
	s.mu.Unlock()
	if tx.ID != "" {
		s.notify(ctx, tx)
	}
	return tx, err
}

func (s *InMemory) transferLocked(ctx context.Context, orgID, assetID string, b fee.Breakdown, actor audit.Actor) (Transaction, error) {
	w, ok := s.wallets[orgID]
	if !ok {
		return Transaction{}, ErrWalletNotFound
	}
	tx := s.newTransaction(orgID, KindAccountTransfer, b, actor)
	tx.Source = WalletRef(orgID)
	tx.Destination = AdAccountRef(assetID)

	if err := s.checkBinding(ctx, orgID, assetID); err != nil {
		if errors.Is(err, ErrAssetNotBound) {
			return s.failLocked(ctx, tx, err)
		}
		return Transaction{}, err
	}
	if w.Balance < b.Total {
		return s.failLocked(ctx, tx, &FundsError{Available: w.Balance, Required: b.Total})
	}

	entry := audit.NewEntry(actor, audit.ActionTransfer, "ad_account", assetID, AuditMetadata(tx))
	if err := s.audit.Append(ctx, entry); err != nil {
		return Transaction{}, err
	}
	acct := s.accountLocked(orgID, assetID)
	w.Balance -= b.Total
	w.FeesPaid += b.Fee
	w.UpdatedAt = tx.CreatedAt
	acct.Balance += b.Net
	acct.UpdatedAt = tx.CreatedAt
	return s.commitLocked(tx, StatusCompleted, ""), nil
}

func (s *InMemory) WithdrawFromAdAccount(ctx context.Context, orgID, assetID string, amount int64, actor audit.Actor) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if !CanOperate(actor, orgID) {
		return Transaction{}, ErrAccessDenied
	}
	b, err := fee.Apply(amount, decimal.Zero, KindWithdrawal.FeeMode())
	if err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	tx, err := s.withdrawLocked(ctx, orgID, assetID, b, actor)
	s.mu.Unlock()
	if tx.ID != "" {
		s.notify(ctx, tx)
	}
	return tx, err
}

func (s *InMemory) withdrawLocked(ctx context.Context, orgID, assetID string, b fee.Breakdown, actor audit.Actor) (Transaction, error) {
	w, ok := s.wallets[orgID]
	if !ok {
		return Transaction{}, ErrWalletNotFound
	}
	tx := s.newTransaction(orgID, KindWithdrawal, b, actor)
	tx.Source = AdAccountRef(assetID)
	tx.Destination = WalletRef(orgID)

	acct, ok := s.accounts[accountKey{orgID, assetID}]
	if !ok {
		return s.failLocked(ctx, tx, fmt.Errorf("%w: no balance for %s", ErrAssetNotBound, assetID))
	}
	if err := WithdrawalAllowed(acct.Balance, b.Gross, s.policy); err != nil {
		return s.failLocked(ctx, tx, err)
	}

	entry := audit.NewEntry(actor, audit.ActionWithdrawal, "ad_account", assetID, AuditMetadata(tx))
	if err := s.audit.Append(ctx, entry); err != nil {
		return Transaction{}, err
	}
	acct.Balance -= b.Gross
	acct.UpdatedAt = tx.CreatedAt
	w.Balance += b.Net
	w.UpdatedAt = tx.CreatedAt
	return s.commitLocked(tx, StatusCompleted, ""), nil
}

func (s *InMemory) GetAdAccountBalance(ctx context.Context, orgID, assetID string) (AdAccountBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[accountKey{orgID, assetID}]
	if !ok {
		return AdAccountBalance{}, ErrNotFound
	}
	return *acct, nil
}

func (s *InMemory) ListAdAccountBalances(ctx context.Context, orgID string) ([]AdAccountBalance, error) {
	s.mu.RLock()
	out := make([]AdAccountBalance, 0)
	for k, acct := range s.accounts {
		if k.org == orgID {
			out = append(out, *acct)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *InMemory) ListTransactions(ctx context.Context, orgID string, f Filter) (Page, error) {
	before, err := DecodeCursor(f.Cursor)
	if err != nil {
		return Page{}, err
	}
	limit := ClampLimit(f.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Transaction, 0, limit)
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.OrganizationID != orgID || (before > 0 && tx.Sequence >= before) {
			continue
		}
		if (f.Kind != "" && tx.Kind != f.Kind) || (f.Status != "" && tx.Status != f.Status) {
			continue
		}
		if len(items) == limit {
			return Page{Items: items, NextCursor: EncodeCursor(items[len(items)-1].Sequence)}, nil
		}
		items = append(items, tx)
	}
	return Page{Items: items}, nil
}

// Totals sums every wallet, fee and ad-account balance. Used to check conservation.
func (s *InMemory) Totals(orgID string) (wallet, fees, adAccounts int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[orgID]; ok {
		wallet, fees = w.Balance, w.FeesPaid
	}
	for k, acct := range s.accounts {
		if k.org == orgID {
			adAccounts += acct.Balance
		}
	}
	return wallet, fees, adAccounts
}

func (s *InMemory) checkBinding(ctx context.Context, orgID, assetID string) error {
	if s.assets != nil {
		a, err := s.assets.Get(ctx, assetID)
		if errors.Is(err, asset.ErrNotFound) {
			return fmt.Errorf("%w: unknown asset %s", ErrAssetNotBound, assetID)
		}
		if err != nil {
			return err
		}
		if a.Type != asset.TypeAdAccount {
			return fmt.Errorf("%w: %s is a %s", ErrAssetNotBound, assetID, a.Type)
		}
	}
	bound, err := s.bindings.ActiveBinding(ctx, orgID, assetID)
	if err != nil {
		return err
	}
	if !bound {
		return fmt.Errorf("%w: %s", ErrAssetNotBound, assetID)
	}
	return nil
}

func (s *InMemory) accountLocked(orgID, assetID string) *AdAccountBalance {
	k := accountKey{orgID, assetID}
	acct, ok := s.accounts[k]
	if !ok {
		acct = &AdAccountBalance{OrganizationID: orgID, AssetID: assetID}
		s.accounts[k] = acct
	}
	return acct
}

func (s *InMemory) newTransaction(orgID string, kind Kind, b fee.Breakdown, actor audit.Actor) Transaction {
	return Transaction{
		ID:             NewTransactionID(),
		OrganizationID: orgID,
		Kind:           kind,
		Status:         StatusPending,
		Gross:          b.Gross,
		Fee:            b.Fee,
		Net:            b.Net,
		Currency:       DefaultCurrency,
		Actor:          actor,
		CreatedAt:      s.now().UTC(),
	}
}

func (s *InMemory) commitLocked(tx Transaction, status Status, reason string) Transaction {
	s.seq++
	tx.Sequence = s.seq
	tx.Status = status
	tx.FailureReason = reason
	s.txs = append(s.txs, tx)
	return tx
}

// failLocked keeps the attempt on record as failed and returns cause.
func (s *InMemory) failLocked(ctx context.Context, tx Transaction, cause error) (Transaction, error) {
	tx = s.commitLocked(tx, StatusFailed, cause.Error())
	meta := AuditMetadata(tx)
	meta["reason"] = cause.Error()
	if err := s.audit.Append(ctx, audit.NewEntry(tx.Actor, FailureAction(tx.Kind), "transaction", tx.ID, meta)); err != nil {
		obs.Logger().Warn("audit append failed", "transaction_id", tx.ID, "error", err)
	}
	return tx, cause
}

func (s *InMemory) notify(ctx context.Context, tx Transaction) {
	if tx.Status != StatusCompleted {
		obs.RecordTransaction(string(tx.Kind), string(tx.Status), 0)
		return
	}
	obs.RecordTransaction(string(tx.Kind), string(tx.Status), tx.Fee)
	if err := s.events.Publish(ctx, events.New(events.WalletChanged, tx.OrganizationID, tx.ID, string(tx.Kind))); err != nil {
		obs.Logger().Warn("event publish failed", "kind", events.WalletChanged, "transaction_id", tx.ID, "error", err)
	}
}

// TransferBreakdown prices a transfer of amount under plan p and policy.
func TransferBreakdown(amount int64, p plan.Plan, policy Policy) (fee.Breakdown, error) {
	mode := fee.None
	if policy.ChargeTransferFee {
		mode = KindAccountTransfer.FeeMode()
	}
	return fee.Apply(amount, p.FeeRate, mode)
}

// WithdrawalAllowed checks amount against the balance above the retained floor.
func WithdrawalAllowed(balance, amount int64, policy Policy) error {
	available := balance - policy.MinRetainedBalance
	if available < 0 {
		available = 0
	}
	if amount > available {
		return &FundsError{Available: available, Required: amount}
	}
	return nil
}

// FailureAction names the audit action for a failed attempt of kind.
func FailureAction(kind Kind) string {
	if kind == KindWithdrawal {
		return audit.ActionWithdrawalFailed
	}
	return audit.ActionTransferFailed
}

// CanOperate reports whether actor may move funds for orgID. An impersonating
// admin is confined to the session's organization.
func CanOperate(actor audit.Actor, orgID string) bool {
	if actor.Impersonating() {
		return actor.ActingAs == orgID
	}
	return actor.MemberOf(orgID) || actor.Privileged()
}

// CanTopUp reports whether actor may confirm settled payments for orgID.
func CanTopUp(actor audit.Actor, orgID string) bool {
	if actor.Impersonating() {
		return actor.ActingAs == orgID
	}
	return actor.Privileged() || actor.HasRole(audit.RolePayments)
}

// CheckCurrency accepts the settlement currency or an empty value.
func CheckCurrency(c string) error {
	if c != "" && !strings.EqualFold(c, DefaultCurrency) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, c)
	}
	return nil
}

// AuditMetadata is the audit payload recorded for a transaction.
func AuditMetadata(tx Transaction) map[string]string {
	return map[string]string{
		"transaction_id": tx.ID,
		"kind":           string(tx.Kind),
		"gross":          strconv.FormatInt(tx.Gross, 10),
		"fee":            strconv.FormatInt(tx.Fee, 10),
		"net":            strconv.FormatInt(tx.Net, 10),
		"source":         tx.Source,
		"destination":    tx.Destination,
	}
}
