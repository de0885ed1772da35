package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/engine"
)

// Hosts groups host handlers
type Hosts struct {
	api *API
}

func NewHosts(a *API) *Hosts {
	return &Hosts{api: a}
}

type HostRequest struct {
	Hostname    string     `json:"hostname"`
	MAC         string     `json:"mac"`
	Description string     `json:"description,omitempty"`
	DHCPGroup   string     `json:"dhcp_group,omitempty"`
	AddressType string     `json:"address_type,omitempty"`
	Pool        string     `json:"pool,omitempty"`
	Network     string     `json:"network,omitempty"`
	IP          string     `json:"ip,omitempty"`
	ExpireDays  int        `json:"expire_days,omitempty"`
	Expires     *time.Time `json:"expires,omitempty"`
	UserOwners  []string   `json:"user_owners,omitempty"`
	GroupOwners []string   `json:"group_owners,omitempty"`

	// Attributes replace the host's values when present
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (req HostRequest) command(currentMAC string) engine.HostRequest {
	cmd := engine.HostRequest{
		CurrentMAC:  currentMAC,
		Hostname:    req.Hostname,
		MAC:         req.MAC,
		Description: req.Description,
		DHCPGroup:   req.DHCPGroup,
		AddressType: req.AddressType,
		Pool:        req.Pool,
		Network:     req.Network,
		IP:          req.IP,
		ExpireDays:  req.ExpireDays,
		UserOwners:  req.UserOwners,
		GroupOwners: req.GroupOwners,
		Attributes:  req.Attributes,
	}
	if req.Expires != nil {
		cmd.Expires = *req.Expires
	}
	return cmd
}

type HostResponse struct {
	MAC         string    `json:"mac"`
	Hostname    string    `json:"hostname"`
	Description string    `json:"description,omitempty"`
	DHCPGroup   string    `json:"dhcp_group,omitempty"`
	Expires     time.Time `json:"expires"`
	Addresses   []string  `json:"addresses"`
}

func newHostResponse(h domain.Host, addrs []domain.Address) HostResponse {
	resp := HostResponse{
		MAC:         h.MAC,
		Hostname:    h.Hostname,
		Description: h.Description,
		DHCPGroup:   h.DHCPGroup,
		Expires:     h.Expires,
		Addresses:   make([]string, 0, len(addrs)),
	}
	for _, a := range addrs {
		resp.Addresses = append(resp.Addresses, a.Address.String())
	}
	return resp
}

type RenewRequest struct {
	ExpireDays int `json:"expire_days"`
}

type DeleteHostsRequest struct {
	MACs []string `json:"macs"`
}

type OwnersRequest struct {
	Users  []string `json:"users"`
	Groups []string `json:"groups"`
}

// CreateHostHandler handles POST /api/v1/hosts.
//
// Registers a new host and allocates its address. Returns 201 with the host.
func (h *Hosts) CreateHostHandler(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if !h.api.decodeJSON(w, r, &req) {
		return
	}

	host, addrs, err := h.api.engine.CreateOrUpdateHost(r.Context(), principalFrom(r.Context()), req.command(""))
	if err != nil {
		h.api.writeError(w, r, err)
		return
	}
	h.api.writeJSON(w, http.StatusCreated, newHostResponse(host, addrs))
}

// UpdateHostHandler handles PUT /api/v1/hosts/{mac}.
//
// The path names the host being changed; the body may carry a new MAC.
func (h *Hosts) UpdateHostHandler(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if !h.api.decodeJSON(w, r, &req) {
		return
	}
	current := chi.URLParam(r, "mac")
	if req.MAC == "" {
		req.MAC = current
	}

	host, addrs, err := h.api.engine.CreateOrUpdateHost(r.Context(), principalFrom(r.Context()), req.command(current))
	if err != nil {
		h.api.writeError(w, r, err)
		return
	}
	h.api.writeJSON(w, http.StatusOK, newHostResponse(host, addrs))
}

// RenewHostHandler handles POST /api/v1/hosts/{mac}/renew
func (h *Hosts) RenewHostHandler(w http.ResponseWriter, r *http.Request) {
	var req RenewRequest
	if !h.api.decodeJSON(w, r, &req) {
		return
	}

	host, err := h.api.engine.RenewHost(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "mac"), req.ExpireDays)
	if err != nil {
		h.api.writeError(w, r, err)
		return
	}
	h.api.writeJSON(w, http.StatusOK, newHostResponse(host, nil))
}

// DeleteHostsHandler handles POST /api/v1/hosts/delete. All hosts are
// deleted or none are.
func (h *Hosts) DeleteHostsHandler(w http.ResponseWriter, r *http.Request) {
	var req DeleteHostsRequest
	if !h.api.decodeJSON(w, r, &req) {
		return
	}
	if len(req.MACs) == 0 {
		h.api.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "macs is required", Field: "macs"})
		return
	}

	if err := h.api.engine.DeleteHosts(r.Context(), principalFrom(r.Context()), req.MACs); err != nil {
		h.api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignOwnersHandler handles POST /api/v1/hosts/{mac}/owners
func (h *Hosts) AssignOwnersHandler(w http.ResponseWriter, r *http.Request) {
	var req OwnersRequest
	if !h.api.decodeJSON(w, r, &req) {
		return
	}
	if err := h.api.engine.AssignOwners(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "mac"), req.Users, req.Groups); err != nil {
		h.api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveOwnersHandler handles DELETE /api/v1/hosts/{mac}/owners
func (h *Hosts) RemoveOwnersHandler(w http.ResponseWriter, r *http.Request) {
	var req OwnersRequest
	if !h.api.decodeJSON(w, r, &req) {
		return
	}
	if err := h.api.engine.RemoveOwners(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "mac"), req.Users, req.Groups); err != nil {
		h.api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttributesHandler handles GET /api/v1/hosts/{mac}/attributes
func (h *Hosts) AttributesHandler(w http.ResponseWriter, r *http.Request) {
	values, err := h.api.engine.HostAttributes(r.Context(), chi.URLParam(r, "mac"))
	if err != nil {
		h.api.writeError(w, r, err)
		return
	}
	resp := make(map[string]string, len(values))
	for _, v := range values {
		resp[v.Attribute] = v.Value
	}
	h.api.writeJSON(w, http.StatusOK, resp)
}
