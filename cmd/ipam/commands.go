package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/ipam/internal/api"
	"github.com/jbweber/homelab/ipam/internal/config"
	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/dnsexport"
	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/engine"
	"github.com/jbweber/homelab/ipam/internal/migrations"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// app carries the state shared by every command
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	out        io.Writer
	errOut     io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:          "ipam",
		Short:        "Host address and ownership allocation service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the YAML configuration file")

	root.AddCommand(
		a.serveCommand(),
		a.migrateCommand(),
		a.networkCommand(),
		a.hostCommand(),
		a.roleCommand(),
		a.dnsCommand(),
	)
	return root
}

func (a *app) loadConfig() error {
	if a.configPath == "" {
		a.cfg = config.NewConfig()
	} else {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	a.logger = config.NewLogger(a.cfg.Log, a.errOut)
	slog.SetDefault(a.logger)
	return nil
}

// withEngine opens the database and runs fn with an engine over it
func (a *app) withEngine(fn func(ds *datastore.Datastore, e *engine.Engine) error) error {
	ds, err := a.cfg.InitializeDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer ds.Close()

	return fn(ds, engine.New(ds, a.cfg.Engine, engine.WithLogger(a.logger)))
}

// actingPrincipal resolves the --as user for commands that change state
func actingPrincipal(ctx context.Context, e *engine.Engine, username string) (domain.Principal, error) {
	if username == "" {
		return domain.Principal{}, errors.New("--as is required")
	}
	return e.Principal(ctx, username)
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.withEngine(func(ds *datastore.Datastore, e *engine.Engine) error {
				r := chi.NewRouter()
				r.Use(middleware.RequestID)
				r.Use(middleware.Logger)
				r.Use(middleware.Recoverer)

				api.NewAPI(e, a.logger).RegisterRoutes(r)

				// Health check endpoint
				r.Get("/", func(w http.ResponseWriter, r *http.Request) {
					if _, err := fmt.Fprintln(w, "ipam service is running"); err != nil {
						a.logger.Warn("failed to write response", "error", err)
					}
				})

				srv := &http.Server{
					Addr:              a.cfg.Addr(),
					Handler:           r,
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					a.logger.Info("starting ipam service", "addr", srv.Addr)
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					return fmt.Errorf("server failed: %w", err)
				case <-ctx.Done():
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.logger.Info("shutting down ipam service")
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("failed to shut down: %w", err)
				}
				return nil
			})
		},
	}
}

func (a *app) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := a.cfg.InitializeDatabase()
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer ds.Close()

			version, dirty, err := migrations.Version(ds.DB, ds.Dialect())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func (a *app) networkCommand() *cobra.Command {
	network := &cobra.Command{Use: "network", Short: "Manage networks"}

	var (
		as   string
		spec engine.NetworkSpec
	)
	create := &cobra.Command{
		Use:   "create CIDR",
		Short: "Define a network and all of its addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.CIDR = args[0]
			return a.withEngine(func(_ *datastore.Datastore, e *engine.Engine) error {
				p, err := actingPrincipal(cmd.Context(), e, as)
				if err != nil {
					return err
				}
				n, count, err := e.DefineNetwork(cmd.Context(), p, spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "created network %s (gateway %s) with %d addresses\n", n.Network, n.Gateway, count)
				return nil
			})
		},
	}
	create.Flags().StringVar(&as, "as", "", "username to act as")
	create.Flags().StringVar(&spec.Name, "name", "", "display name")
	create.Flags().StringVar(&spec.Gateway, "gateway", "", "gateway address (default first host address)")
	create.Flags().StringVar(&spec.Description, "description", "", "description")
	create.Flags().StringVar(&spec.DHCPGroup, "dhcp-group", "", "DHCP group")
	create.Flags().StringVar(&spec.SharedNetwork, "shared-network", "", "shared network name")
	create.Flags().StringVar(&spec.Pool, "pool", "", "pool that unreserved addresses start in")

	network.AddCommand(create)
	return network
}

func (a *app) hostCommand() *cobra.Command {
	host := &cobra.Command{Use: "host", Short: "Manage hosts"}

	var (
		renewAs string
		days    int
	)
	renew := &cobra.Command{
		Use:   "renew MAC",
		Short: "Extend a host registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(_ *datastore.Datastore, e *engine.Engine) error {
				p, err := actingPrincipal(cmd.Context(), e, renewAs)
				if err != nil {
					return err
				}
				h, err := e.RenewHost(cmd.Context(), p, args[0], days)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s (%s) expires %s\n", h.Hostname, h.MAC, h.Expires.Format(time.RFC3339))
				return nil
			})
		},
	}
	renew.Flags().StringVar(&renewAs, "as", "", "username to act as")
	renew.Flags().IntVar(&days, "days", 0, "registration length in days")
	_ = renew.MarkFlagRequired("days")

	var deleteAs string
	del := &cobra.Command{
		Use:   "delete MAC...",
		Short: "Delete hosts, releasing their addresses and DNS records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(_ *datastore.Datastore, e *engine.Engine) error {
				p, err := actingPrincipal(cmd.Context(), e, deleteAs)
				if err != nil {
					return err
				}
				if err := e.DeleteHosts(cmd.Context(), p, args); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "deleted %d host(s)\n", len(args))
				return nil
			})
		},
	}
	del.Flags().StringVar(&deleteAs, "as", "", "username to act as")

	var expiredAt string
	expired := &cobra.Command{
		Use:   "expired",
		Short: "List hosts whose registration has lapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if expiredAt != "" {
				t, err := time.Parse(time.RFC3339, expiredAt)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				at = t
			}
			return a.withEngine(func(_ *datastore.Datastore, e *engine.Engine) error {
				hosts, err := e.ListExpired(cmd.Context(), at)
				if err != nil {
					return err
				}
				for _, h := range hosts {
					fmt.Fprintf(a.out, "%s\t%s\t%s\n", h.MAC, h.Hostname, h.Expires.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	expired.Flags().StringVar(&expiredAt, "at", "", "reference time in RFC 3339 (default now)")

	var (
		disableAs string
		reason    string
	)
	disable := &cobra.Command{
		Use:   "disable MAC",
		Short: "Block a MAC from registration and change by non-administrators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(_ *datastore.Datastore, e *engine.Engine) error {
				p, err := actingPrincipal(cmd.Context(), e, disableAs)
				if err != nil {
					return err
				}
				d, err := e.DisableHost(cmd.Context(), p, args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "disabled %s\n", d.MAC)
				return nil
			})
		},
	}
	disable.Flags().StringVar(&disableAs, "as", "", "username to act as")
	disable.Flags().StringVar(&reason, "reason", "", "why the host is disabled")

	var enableAs string
	enable := &cobra.Command{
		Use:   "enable MAC",
		Short: "Lift a block placed by disable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(_ *datastore.Datastore, e *engine.Engine) error {
				p, err := actingPrincipal(cmd.Context(), e, enableAs)
				if err != nil {
					return err
				}
				return e.EnableHost(cmd.Context(), p, args[0])
			})
		},
	}
	enable.Flags().StringVar(&enableAs, "as", "", "username to act as")

	host.AddCommand(renew, del, expired, disable, enable)
	return host
}

func (a *app) roleCommand() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage role grants covering every object of a type"}

	newChange := func(use, short string, apply func(*engine.Engine, context.Context, domain.Principal, engine.RoleRequest) error) *cobra.Command {
		var (
			as         string
			req        engine.RoleRequest
			objectType string
			capability string
		)
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				req.ObjectType = domain.ObjectType(objectType)
				req.Capability = domain.Capability(capability)
				return a.withEngine(func(_ *datastore.Datastore, e *engine.Engine) error {
					p, err := actingPrincipal(cmd.Context(), e, as)
					if err != nil {
						return err
					}
					return apply(e, cmd.Context(), p, req)
				})
			},
		}
		c.Flags().StringVar(&as, "as", "", "username to act as")
		c.Flags().StringVar(&req.User, "user", "", "user receiving the role")
		c.Flags().StringVar(&req.Group, "group", "", "group receiving the role")
		c.Flags().StringVar(&objectType, "type", "", "object type (host, network, pool, domain)")
		c.Flags().StringVar(&capability, "cap", "", "capability (is_owner, can_add_records, can_change)")
		return c
	}

	role.AddCommand(
		newChange("grant", "Grant a role", (*engine.Engine).GrantRole),
		newChange("revoke", "Revoke a role", (*engine.Engine).RevokeRole),
	)
	return role
}

func (a *app) dnsCommand() *cobra.Command {
	dns := &cobra.Command{Use: "dns", Short: "Publish DNS data"}

	export := &cobra.Command{
		Use:   "export-route53 [DOMAIN...]",
		Short: "Push curated records to the configured Route53 hosted zones",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.cfg.Route53.Zones) == 0 {
				return errors.New("no route53 zones are configured")
			}
			client, err := dnsexport.NewClient(cmd.Context(), a.cfg.Route53)
			if err != nil {
				return err
			}
			return a.withEngine(func(ds *datastore.Datastore, _ *engine.Engine) error {
				exp := dnsexport.New(client, repository.NewDNSRecordRepository(ds.Querier()), a.cfg.Route53.Zones, a.logger)
				return runExport(cmd.Context(), a.out, exp, args)
			})
		},
	}

	dns.AddCommand(export)
	return dns
}

// exporter is the part of dnsexport.Exporter the CLI drives
type exporter interface {
	Export(ctx context.Context, domainName string) (dnsexport.Result, error)
	ExportAll(ctx context.Context) ([]dnsexport.Result, error)
}

func runExport(ctx context.Context, out io.Writer, exp exporter, domains []string) error {
	var results []dnsexport.Result
	if len(domains) == 0 {
		all, err := exp.ExportAll(ctx)
		if err != nil {
			return err
		}
		results = all
	} else {
		for _, d := range domains {
			r, err := exp.Export(ctx, d)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
	}
	for _, r := range results {
		fmt.Fprintf(out, "%s -> %s: %d record sets in %d batch(es)\n", r.Domain, r.ZoneID, r.Sets, r.Batches)
	}
	return nil
}
