package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/entitlement"
	"adfunds.io/internal/fee"
	"adfunds.io/internal/impersonation"
	"adfunds.io/internal/ledger"
	"adfunds.io/internal/obs"
	"adfunds.io/internal/plan"
	"adfunds.io/internal/store"
)

// Stable error kinds returned in the "kind" field.
const (
	kindInvalidRequest      = "invalid_request"
	kindInvalidAmount       = "invalid_amount"
	kindNotFound            = "not_found"
	kindUnauthorized        = "unauthorized"
	kindAccessDenied        = "access_denied"
	kindAdminAccessRequired = "admin_access_required"
	kindInsufficientFunds   = "insufficient_funds"
	kindAssetNotBound       = "asset_not_bound"
	kindAssetAlreadyBound   = "asset_already_bound"
	kindPlanLimitExceeded   = "plan_limit_exceeded"
	kindPaymentConflict     = "payment_reference_conflict"
	kindConflict            = "conflict"
	kindReasonTooShort      = "reason_too_short"
	kindSessionExpired      = "session_expired"
	kindSessionEnded        = "session_ended"
	kindSessionNotFound     = "session_not_found"
	kindStorageUnavailable  = "storage_unavailable"
	kindRateLimited         = "rate_limited"
	kindInternal            = "internal"
)

// errorKind maps a domain error to its HTTP status and kind.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, kindInsufficientFunds
	case errors.Is(err, ledger.ErrAssetNotBound):
		return http.StatusConflict, kindAssetNotBound
	case errors.Is(err, entitlement.ErrAssetAlreadyBound):
		return http.StatusConflict, kindAssetAlreadyBound
	case errors.Is(err, entitlement.ErrPlanLimitExceeded):
		return http.StatusConflict, kindPlanLimitExceeded
	case errors.Is(err, ledger.ErrPaymentReferenceConflict):
		return http.StatusConflict, kindPaymentConflict
	case errors.Is(err, entitlement.ErrApplicationClosed), errors.Is(err, entitlement.ErrAssetInactive):
		return http.StatusConflict, kindConflict
	case errors.Is(err, impersonation.ErrReasonTooShort):
		return http.StatusBadRequest, kindReasonTooShort
	case errors.Is(err, impersonation.ErrSessionExpired):
		return http.StatusUnauthorized, kindSessionExpired
	case errors.Is(err, impersonation.ErrSessionEnded):
		return http.StatusUnauthorized, kindSessionEnded
	case errors.Is(err, impersonation.ErrSessionNotFound):
		return http.StatusNotFound, kindSessionNotFound
	case errors.Is(err, entitlement.ErrAdminAccessRequired), errors.Is(err, impersonation.ErrAdminAccessRequired):
		return http.StatusForbidden, kindAdminAccessRequired
	case errors.Is(err, ledger.ErrAccessDenied), errors.Is(err, impersonation.ErrNotSessionOwner):
		return http.StatusForbidden, kindAccessDenied
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, fee.ErrNegativeAmount):
		return http.StatusBadRequest, kindInvalidAmount
	case errors.Is(err, ledger.ErrInvalidCurrency), errors.Is(err, ledger.ErrMissingPaymentReference),
		errors.Is(err, ledger.ErrInvalidCursor), errors.Is(err, asset.ErrInvalid), errors.Is(err, asset.ErrUnknownType),
		errors.Is(err, entitlement.ErrAssetTypeMismatch), errors.Is(err, entitlement.ErrUnsupportedType),
		errors.Is(err, impersonation.ErrInvalidDuration), errors.Is(err, impersonation.ErrMissingOrganization):
		return http.StatusBadRequest, kindInvalidRequest
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, entitlement.ErrBindingNotFound), errors.Is(err, entitlement.ErrApplicationNotFound),
		errors.Is(err, asset.ErrNotFound), errors.Is(err, plan.ErrOrganizationNotFound), errors.Is(err, plan.ErrPlanNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, kindStorageUnavailable
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := errorKind(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		obs.Logger().Error("request failed", "request_id", RequestIDFromContext(r), "path", r.URL.Path, "error", err)
		msg = http.StatusText(code)
	}
	payload := map[string]any{"error": msg, "kind": kind}
	var fe *ledger.FundsError
	if errors.As(err, &fe) {
		payload["available"] = fe.Available
		payload["required"] = fe.Required
	}
	var le *entitlement.LimitError
	if errors.As(err, &le) {
		payload["limit"] = le.Limit
		payload["active"] = le.Active
		payload["pending"] = le.Pending
	}
	writePayload(w, r, code, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	writePayload(w, r, code, map[string]any{"error": msg, "kind": kind})
}

func writePayload(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads one JSON object into dst and validates its tags.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		default:
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, kindInvalidRequest, err.Error())
}
