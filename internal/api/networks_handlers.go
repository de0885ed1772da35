package api

import (
	"net/http"

	"github.com/jbweber/homelab/ipam/internal/engine"
)

// Networks groups network handlers
type Networks struct {
	api *API
}

func NewNetworks(a *API) *Networks {
	return &Networks{api: a}
}

type CreateNetworkRequest struct {
	CIDR          string `json:"cidr"`
	Name          string `json:"name,omitempty"`
	Gateway       string `json:"gateway,omitempty"`
	Description   string `json:"description,omitempty"`
	DHCPGroup     string `json:"dhcp_group,omitempty"`
	SharedNetwork string `json:"shared_network,omitempty"`
	Pool          string `json:"pool,omitempty"`
}

type NetworkResponse struct {
	CIDR      string `json:"cidr"`
	Name      string `json:"name,omitempty"`
	Gateway   string `json:"gateway"`
	Addresses int    `json:"addresses"`
}

// CreateNetworkHandler handles POST /api/v1/networks. Administrators only.
func (n *Networks) CreateNetworkHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateNetworkRequest
	if !n.api.decodeJSON(w, r, &req) {
		return
	}
	if req.CIDR == "" {
		n.api.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "cidr is required", Field: "cidr"})
		return
	}

	network, count, err := n.api.engine.DefineNetwork(r.Context(), principalFrom(r.Context()), engine.NetworkSpec{
		CIDR:          req.CIDR,
		Name:          req.Name,
		Gateway:       req.Gateway,
		Description:   req.Description,
		DHCPGroup:     req.DHCPGroup,
		SharedNetwork: req.SharedNetwork,
		Pool:          req.Pool,
	})
	if err != nil {
		n.api.writeError(w, r, err)
		return
	}

	n.api.writeJSON(w, http.StatusCreated, NetworkResponse{
		CIDR:      network.Network.String(),
		Name:      network.Name,
		Gateway:   network.Gateway.String(),
		Addresses: count,
	})
}
