package ledger

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"adfunds.io/internal/audit"
	"adfunds.io/internal/fee"
	"adfunds.io/internal/ids"
)

// DefaultCurrency is the single settlement currency. Amounts are minor units.
const DefaultCurrency = "USD"

// Kind of ledger movement.
type Kind string

const (
	KindWalletTopUp     Kind = "wallet_topup"
	KindAccountTransfer Kind = "account_transfer"
	KindWithdrawal      Kind = "withdrawal"
)

func (k Kind) Valid() bool {
	switch k {
	case KindWalletTopUp, KindAccountTransfer, KindWithdrawal:
		return true
	}
	return false
}

// FeeMode declares how the plan fee applies to this kind. Transfers only carry
// a fee when Policy.ChargeTransferFee is set.
func (k Kind) FeeMode() fee.Mode {
	switch k {
	case KindWalletTopUp:
		return fee.Deducted
	case KindAccountTransfer:
		return fee.Added
	default:
		return fee.None
	}
}

// Status of a transaction. pending -> completed | failed, nothing else.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Wallet is the organization's pre-funded balance. FeesPaid accumulates fees
// charged on transfers when the transfer fee is enabled.
type Wallet struct {
	OrganizationID string    `json:"organization_id"`
	Currency       string    `json:"currency"`
	Balance        int64     `json:"balance"`
	FeesPaid       int64     `json:"fees_paid"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AdAccountBalance is the platform-tracked funding of one ad account.
type AdAccountBalance struct {
	OrganizationID string    `json:"organization_id"`
	AssetID        string    `json:"asset_id"`
	Balance        int64     `json:"balance"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction records one attempted movement. Failed attempts are kept.
type Transaction struct {
	ID               string      `json:"id"`
	Sequence         uint64      `json:"sequence"`
	OrganizationID   string      `json:"organization_id"`
	Kind             Kind        `json:"kind"`
	Status           Status      `json:"status"`
	Gross            int64       `json:"gross"`
	Fee              int64       `json:"fee"`
	Net              int64       `json:"net"`
	Currency         string      `json:"currency"`
	Source           string      `json:"source"`
	Destination      string      `json:"destination"`
	PaymentReference string      `json:"payment_reference,omitempty"`
	Actor            audit.Actor `json:"actor"`
	FailureReason    string      `json:"failure_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// TopUp is a settled payment confirmed by the payment collaborator.
type TopUp struct {
	OrganizationID   string `json:"organization_id"`
	Gross            int64  `json:"gross"`
	PaymentReference string `json:"payment_reference"`
	Currency         string `json:"currency"`
}

// Filter narrows ListTransactions. Zero values mean no filter.
type Filter struct {
	Kind   Kind
	Status Status
	Limit  int
	Cursor string
}

// Page is one slice of history, newest first.
type Page struct {
	Items      []Transaction `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// Policy holds operator-tunable rules.
type Policy struct {
	// MinRetainedBalance is the floor a withdrawal may not take an ad account below.
	MinRetainedBalance int64
	// ChargeTransferFee adds the plan fee on top of ad-account transfers.
	ChargeTransferFee bool
}

// WalletRef and AdAccountRef name transaction endpoints.
func WalletRef(orgID string) string      { return "wallet:" + orgID }
func AdAccountRef(assetID string) string { return "ad_account:" + assetID }

var (
	ErrNotFound                 = errors.New("ledger: not found")
	ErrWalletNotFound           = errors.New("ledger: wallet not found")
	ErrInsufficientFunds        = errors.New("ledger: insufficient funds")
	ErrInvalidAmount            = errors.New("ledger: invalid amount (must be > 0)")
	ErrInvalidCurrency          = errors.New("ledger: invalid currency")
	ErrMissingPaymentReference  = errors.New("ledger: payment reference is required")
	ErrPaymentReferenceConflict = errors.New("ledger: payment reference belongs to another organization")
	ErrAssetNotBound            = errors.New("ledger: asset is not an ad account bound to the organization")
	ErrAccessDenied             = errors.New("ledger: actor may not act for organization")
	ErrInvalidCursor            = errors.New("ledger: invalid cursor")
)

// FundsError carries how much was available against how much was required.
type FundsError struct {
	Available int64
	Required  int64
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("%s: available %d, required %d", ErrInsufficientFunds, e.Available, e.Required)
}

func (e *FundsError) Unwrap() error { return ErrInsufficientFunds }

// EncodeCursor turns a sequence into an opaque page token.
func EncodeCursor(seq uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("seq:" + strconv.FormatUint(seq, 10)))
}

// DecodeCursor reverses EncodeCursor. An empty cursor decodes to 0.
func DecodeCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) < 5 || string(raw[:4]) != "seq:" {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseUint(string(raw[4:]), 10, 64)
	if err != nil || seq == 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// ClampLimit applies the page size bounds shared by every backend.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

// NewTransactionID returns a prefixed transaction identifier.
func NewTransactionID() string {
	return ids.WithPrefix(ids.PrefixTransaction)
}
