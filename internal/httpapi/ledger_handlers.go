package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"adfunds.io/internal/ledger"
)

type topUpRequest struct {
	Gross            int64  `json:"gross" validate:"gt=0"`
	PaymentReference string `json:"payment_reference" validate:"required,max=128"`
	Currency         string `json:"currency,omitempty" validate:"omitempty,len=3"`
}

type movementRequest struct {
	AssetID string `json:"asset_id" validate:"required,max=64"`
	Amount  int64  `json:"amount" validate:"gt=0"`
}

type listTransactionsResponse struct {
	Items      []ledger.Transaction `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
	AsOf       time.Time            `json:"as_of"`
}

func (a *API) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := a.ledger.GetWallet(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (a *API) openWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := a.ledger.OpenWallet(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (a *API) topUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	orgID := chi.URLParam(r, "orgID")
	tx, err := a.ledger.TopUpWallet(r.Context(), ledger.TopUp{
		OrganizationID:   orgID,
		Gross:            req.Gross,
		PaymentReference: strings.TrimSpace(req.PaymentReference),
		Currency:         strings.ToUpper(req.Currency),
	}, actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	tx, err := a.ledger.TransferToAdAccount(r.Context(), chi.URLParam(r, "orgID"), strings.TrimSpace(req.AssetID), req.Amount, actorFrom(r))
	a.writeMovement(w, r, tx, err)
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	tx, err := a.ledger.WithdrawFromAdAccount(r.Context(), chi.URLParam(r, "orgID"), strings.TrimSpace(req.AssetID), req.Amount, actorFrom(r))
	a.writeMovement(w, r, tx, err)
}

// writeMovement returns the failed transaction alongside the error kind so
// callers can reference the recorded attempt.
func (a *API) writeMovement(w http.ResponseWriter, r *http.Request, tx ledger.Transaction, err error) {
	if err == nil {
		writeJSON(w, http.StatusCreated, tx)
		return
	}
	if tx.ID != "" && tx.Status == ledger.StatusFailed {
		code, kind := errorKind(err)
		payload := map[string]any{"error": err.Error(), "kind": kind, "transaction": tx}
		var fe *ledger.FundsError
		if errors.As(err, &fe) {
			payload["available"] = fe.Available
			payload["required"] = fe.Required
		}
		writePayload(w, r, code, payload)
		return
	}
	writeDomainError(w, r, err)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	f := ledger.Filter{
		Kind:   ledger.Kind(strings.TrimSpace(q.Get("kind"))),
		Status: ledger.Status(strings.TrimSpace(q.Get("status"))),
		Limit:  limit,
		Cursor: strings.TrimSpace(q.Get("cursor")),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		badRequest(w, r, errors.New("unknown kind"))
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		badRequest(w, r, errors.New("unknown status"))
		return
	}

	page, err := a.ledger.ListTransactions(r.Context(), chi.URLParam(r, "orgID"), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:      page.Items,
		NextCursor: page.NextCursor,
		AsOf:       time.Now().UTC(),
	})
}

func (a *API) listAdAccountBalances(w http.ResponseWriter, r *http.Request) {
	items, err := a.ledger.ListAdAccountBalances(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getAdAccountBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := a.ledger.GetAdAccountBalance(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "assetID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
