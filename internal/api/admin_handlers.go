package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/engine"
)

// Admin groups the administrator-only handlers
type Admin struct {
	api *API
}

func NewAdmin(a *API) *Admin {
	return &Admin{api: a}
}

type DisableHostRequest struct {
	MAC    string `json:"mac"`
	Reason string `json:"reason,omitempty"`
}

type DisabledHostResponse struct {
	MAC     string    `json:"mac"`
	Reason  string    `json:"reason,omitempty"`
	Changed time.Time `json:"changed"`
}

func newDisabledHostResponse(d domain.DisabledHost) DisabledHostResponse {
	return DisabledHostResponse{MAC: d.MAC, Reason: d.Reason, Changed: d.Changed}
}

type AttributeRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Structured  bool     `json:"structured"`
	Required    bool     `json:"required"`
	Choices     []string `json:"choices,omitempty"`
}

type AttributeResponse AttributeRequest

func newAttributeResponse(a domain.Attribute) AttributeResponse {
	return AttributeResponse{
		Name:        a.Name,
		Description: a.Description,
		Structured:  a.Structured,
		Required:    a.Required,
		Choices:     a.Choices,
	}
}

type RoleRequest struct {
	User       string `json:"user,omitempty"`
	Group      string `json:"group,omitempty"`
	ObjectType string `json:"object_type"`
	Capability string `json:"capability"`
}

func (req RoleRequest) command() engine.RoleRequest {
	return engine.RoleRequest{
		User:       req.User,
		Group:      req.Group,
		ObjectType: domain.ObjectType(req.ObjectType),
		Capability: domain.Capability(req.Capability),
	}
}

// ListDisabledHandler handles GET /api/v1/hosts/disabled
func (a *Admin) ListDisabledHandler(w http.ResponseWriter, r *http.Request) {
	disabled, err := a.api.engine.ListDisabled(r.Context(), principalFrom(r.Context()))
	if err != nil {
		a.api.writeError(w, r, err)
		return
	}
	resp := make([]DisabledHostResponse, 0, len(disabled))
	for _, d := range disabled {
		resp = append(resp, newDisabledHostResponse(d))
	}
	a.api.writeJSON(w, http.StatusOK, resp)
}

// DisableHostHandler handles POST /api/v1/hosts/disabled
func (a *Admin) DisableHostHandler(w http.ResponseWriter, r *http.Request) {
	var req DisableHostRequest
	if !a.api.decodeJSON(w, r, &req) {
		return
	}
	d, err := a.api.engine.DisableHost(r.Context(), principalFrom(r.Context()), req.MAC, req.Reason)
	if err != nil {
		a.api.writeError(w, r, err)
		return
	}
	a.api.writeJSON(w, http.StatusCreated, newDisabledHostResponse(d))
}

// EnableHostHandler handles DELETE /api/v1/hosts/disabled/{mac}
func (a *Admin) EnableHostHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.api.engine.EnableHost(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "mac")); err != nil {
		a.api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAttributesHandler handles GET /api/v1/attributes
func (a *Admin) ListAttributesHandler(w http.ResponseWriter, r *http.Request) {
	attrs, err := a.api.engine.ListAttributes(r.Context())
	if err != nil {
		a.api.writeError(w, r, err)
		return
	}
	resp := make([]AttributeResponse, 0, len(attrs))
	for _, attr := range attrs {
		resp = append(resp, newAttributeResponse(attr))
	}
	a.api.writeJSON(w, http.StatusOK, resp)
}

// DefineAttributeHandler handles POST /api/v1/attributes. Redefining an
// existing name replaces its description, flags and choices.
func (a *Admin) DefineAttributeHandler(w http.ResponseWriter, r *http.Request) {
	var req AttributeRequest
	if !a.api.decodeJSON(w, r, &req) {
		return
	}
	attr, err := a.api.engine.DefineAttribute(r.Context(), principalFrom(r.Context()), domain.Attribute{
		Name:        req.Name,
		Description: req.Description,
		Structured:  req.Structured,
		Required:    req.Required,
		Choices:     req.Choices,
	})
	if err != nil {
		a.api.writeError(w, r, err)
		return
	}
	a.api.writeJSON(w, http.StatusOK, newAttributeResponse(attr))
}

// GrantRoleHandler handles POST /api/v1/roles
func (a *Admin) GrantRoleHandler(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if !a.api.decodeJSON(w, r, &req) {
		return
	}
	if err := a.api.engine.GrantRole(r.Context(), principalFrom(r.Context()), req.command()); err != nil {
		a.api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeRoleHandler handles DELETE /api/v1/roles
func (a *Admin) RevokeRoleHandler(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if !a.api.decodeJSON(w, r, &req) {
		return
	}
	if err := a.api.engine.RevokeRole(r.Context(), principalFrom(r.Context()), req.command()); err != nil {
		a.api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
