package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/entitlement"
)

type bindRequest struct {
	AssetID string `json:"asset_id" validate:"required,max=64"`
}

type applicationRequest struct {
	Type       asset.Type      `json:"type" validate:"required,oneof=business_manager ad_account pixel"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type fulfillRequest struct {
	AssetID string `json:"asset_id" validate:"required,max=64"`
}

func (a *API) listBindings(w http.ResponseWriter, r *http.Request) {
	items, err := a.ents.ListBindings(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) bindAsset(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	b, err := a.ents.BindAsset(r.Context(), chi.URLParam(r, "orgID"), strings.TrimSpace(req.AssetID), actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) revokeBinding(w http.ResponseWriter, r *http.Request) {
	orgID, bindingID := chi.URLParam(r, "orgID"), chi.URLParam(r, "bindingID")
	owned, err := a.ents.ListBindings(r.Context(), orgID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !slices.ContainsFunc(owned, func(b entitlement.Binding) bool { return b.ID == bindingID }) {
		writeDomainError(w, r, entitlement.ErrBindingNotFound)
		return
	}
	b, err := a.ents.RevokeBinding(r.Context(), bindingID, actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) listApplications(w http.ResponseWriter, r *http.Request) {
	items, err := a.ents.ListApplications(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) submitApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	attrs, err := asset.DecodeAttributes(req.Type, req.Attributes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	app, err := a.ents.SubmitApplication(r.Context(), chi.URLParam(r, "orgID"), req.Type, attrs, actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) usage(w http.ResponseWriter, r *http.Request) {
	items, err := a.ents.Usage(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) canAllocate(w http.ResponseWriter, r *http.Request) {
	t := asset.Type(chi.URLParam(r, "assetType"))
	if !t.Valid() {
		badRequest(w, r, fmt.Errorf("unknown asset type %q", t))
		return
	}
	ok, err := a.ents.CanAllocate(r.Context(), chi.URLParam(r, "orgID"), t)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": t, "allowed": ok})
}

func (a *API) markProcessing(w http.ResponseWriter, r *http.Request) {
	app, err := a.ents.MarkProcessing(r.Context(), chi.URLParam(r, "applicationID"), actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) rejectApplication(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	app, err := a.ents.RejectApplication(r.Context(), chi.URLParam(r, "applicationID"), req.Reason, actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) fulfillApplication(w http.ResponseWriter, r *http.Request) {
	var req fulfillRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	b, err := a.ents.FulfillApplication(r.Context(), chi.URLParam(r, "applicationID"), strings.TrimSpace(req.AssetID), actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
