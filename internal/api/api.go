package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/engine"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// UserHeader carries the authenticated username set by the fronting proxy
const UserHeader = "X-Remote-User"

type principalKey struct{}

// Engine is the set of engine operations the HTTP adapter exposes
type Engine interface {
	Principal(ctx context.Context, username string) (domain.Principal, error)
	CreateOrUpdateHost(ctx context.Context, p domain.Principal, req engine.HostRequest) (domain.Host, []domain.Address, error)
	RenewHost(ctx context.Context, p domain.Principal, mac string, expireDays int) (domain.Host, error)
	DeleteHosts(ctx context.Context, p domain.Principal, macs []string) error
	AssignOwners(ctx context.Context, p domain.Principal, mac string, usernames, groupNames []string) error
	RemoveOwners(ctx context.Context, p domain.Principal, mac string, usernames, groupNames []string) error
	DefineNetwork(ctx context.Context, p domain.Principal, spec engine.NetworkSpec) (domain.Network, int, error)
	Authorize(ctx context.Context, p domain.Principal, obj domain.ObjectRef, caps []domain.Capability, matchAny bool) (bool, error)

	DisableHost(ctx context.Context, p domain.Principal, mac, reason string) (domain.DisabledHost, error)
	EnableHost(ctx context.Context, p domain.Principal, mac string) error
	ListDisabled(ctx context.Context, p domain.Principal) ([]domain.DisabledHost, error)
	DefineAttribute(ctx context.Context, p domain.Principal, a domain.Attribute) (domain.Attribute, error)
	ListAttributes(ctx context.Context) ([]domain.Attribute, error)
	HostAttributes(ctx context.Context, mac string) ([]domain.HostAttribute, error)
	GrantRole(ctx context.Context, p domain.Principal, req engine.RoleRequest) error
	RevokeRole(ctx context.Context, p domain.Principal, req engine.RoleRequest) error
}

// API serves the engine over HTTP
type API struct {
	engine Engine
	logger *slog.Logger
}

// NewAPI creates the HTTP adapter for an engine
func NewAPI(e Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{engine: e, logger: logger}
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.principalMiddleware)

		hosts := NewHosts(a)
		admin := NewAdmin(a)
		r.Route("/hosts", func(r chi.Router) {
			r.Post("/", hosts.CreateHostHandler)
			r.Post("/delete", hosts.DeleteHostsHandler)
			r.Get("/disabled", admin.ListDisabledHandler)
			r.Post("/disabled", admin.DisableHostHandler)
			r.Delete("/disabled/{mac}", admin.EnableHostHandler)
			r.Put("/{mac}", hosts.UpdateHostHandler)
			r.Post("/{mac}/renew", hosts.RenewHostHandler)
			r.Get("/{mac}/attributes", hosts.AttributesHandler)
			r.Post("/{mac}/owners", hosts.AssignOwnersHandler)
			r.Delete("/{mac}/owners", hosts.RemoveOwnersHandler)
		})

		networks := NewNetworks(a)
		r.Post("/networks", networks.CreateNetworkHandler)

		r.Get("/attributes", admin.ListAttributesHandler)
		r.Post("/attributes", admin.DefineAttributeHandler)
		r.Post("/roles", admin.GrantRoleHandler)
		r.Delete("/roles", admin.RevokeRoleHandler)

		r.Get("/authorize", a.authorizeHandler)
	})
}

// principalMiddleware resolves the acting principal from UserHeader
func (a *API) principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := r.Header.Get(UserHeader)
		if username == "" {
			a.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
			return
		}

		p, err := a.engine.Principal(r.Context(), username)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				a.writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "unknown user"})
				return
			}
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey{}).(domain.Principal)
	return p
}

// AuthorizeResponse is the result of a permission check
type AuthorizeResponse struct {
	Allowed bool `json:"allowed"`
}

// authorizeHandler handles GET /api/v1/authorize?type=host&id=...&cap=is_owner&any=true
func (a *API) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	obj := domain.ObjectRef{Type: domain.ObjectType(q.Get("type")), ID: q.Get("id")}
	if obj.ID == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "id is required"})
		return
	}
	if len(q["cap"]) == 0 {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "at least one cap is required"})
		return
	}
	caps := make([]domain.Capability, 0, len(q["cap"]))
	for _, c := range q["cap"] {
		caps = append(caps, domain.Capability(c))
	}

	matchAny := true
	if s := q.Get("any"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "any must be a boolean"})
			return
		}
		matchAny = v
	}

	ok, err := a.engine.Authorize(r.Context(), principalFrom(r.Context()), obj, caps, matchAny)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, AuthorizeResponse{Allowed: ok})
}
