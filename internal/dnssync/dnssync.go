// Package dnssync keeps forward and reverse DNS records in step with the
// addresses bound to a host. Every operation is idempotent.
package dnssync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// DefaultTTL is used for records created without a configured TTL
const DefaultTTL = 14400

// Syncer writes DNS records through transaction-bound repositories
type Syncer struct {
	records repository.DNSRecordRepository
	domains repository.DomainRepository
	ttl     int
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Syncer
type Option func(*Syncer)

// WithTTL sets the TTL of created records
func WithTTL(ttl int) Option {
	return func(s *Syncer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithClock sets the time source used for audit stamps
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a syncer
func New(repos *repository.Repositories, opts ...Option) *Syncer {
	s := &Syncer{
		records: repos.DNSRecords,
		domains: repos.Domains,
		ttl:     DefaultTTL,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncHostRecords makes the PTR and A/AAAA records of every address mirror
// the host's hostname. oldHostname is the name before the current change,
// empty for a new host.
func (s *Syncer) SyncHostRecords(ctx context.Context, host domain.Host, oldHostname string, addrs []domain.Address, p domain.Principal) error {
	if oldHostname != host.Hostname {
		if err := s.checkConflict(ctx, host.Hostname, addrs); err != nil {
			return err
		}
	}

	for _, a := range addrs {
		if err := s.syncPTR(ctx, host.Hostname, a.Address, p.ID()); err != nil {
			return err
		}
		if err := s.syncForward(ctx, host.Hostname, oldHostname, a.Address, p.ID()); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAddressRecords deletes the records of released addresses that
// name the host's current or prior hostname
func (s *Syncer) ReleaseAddressRecords(ctx context.Context, host domain.Host, oldHostname string, addrs []domain.Address) error {
	names := map[string]bool{host.Hostname: true}
	if oldHostname != "" {
		names[oldHostname] = true
	}

	for _, a := range addrs {
		ptrs, err := s.records.FindByNameAndType(ctx, domain.ReverseName(a.Address), domain.TypePTR)
		if err != nil {
			return err
		}
		for _, rec := range ptrs {
			if names[rec.TextContent] {
				if err := s.delete(ctx, rec); err != nil {
					return err
				}
			}
		}

		forward, err := s.records.FindByAddress(ctx, a.Address)
		if err != nil {
			return err
		}
		for _, rec := range forward {
			if names[rec.Name] && (rec.Type == domain.TypeA || rec.Type == domain.TypeAAAA) {
				if err := s.delete(ctx, rec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// checkConflict rejects a hostname that already names records not bound
// to the host's own addresses
func (s *Syncer) checkConflict(ctx context.Context, hostname string, addrs []domain.Address) error {
	existing, err := s.records.FindByName(ctx, hostname)
	if err != nil {
		return err
	}

	own := make(map[netip.Addr]bool, len(addrs))
	for _, a := range addrs {
		own[a.Address.Unmap()] = true
	}
	for _, rec := range existing {
		if !rec.IPContent.IsValid() || !own[rec.IPContent.Unmap()] {
			return fmt.Errorf("%s already has a %s record pointing at %s: %w",
				hostname, rec.Type, rec.Content(), domain.ErrHostnameConflict)
		}
	}
	return nil
}

// syncPTR leaves exactly one PTR at the reverse name, pointing at hostname
func (s *Syncer) syncPTR(ctx context.Context, hostname string, addr netip.Addr, changedBy int64) error {
	name := domain.ReverseName(addr)
	existing, err := s.records.FindByNameAndType(ctx, name, domain.TypePTR)
	if err != nil {
		return err
	}

	kept := false
	for _, rec := range existing {
		if rec.TextContent == hostname && !kept {
			kept = true
			continue
		}
		if err := s.delete(ctx, rec); err != nil {
			return err
		}
	}
	if kept {
		return nil
	}

	return s.create(ctx, domain.DNSRecord{
		Name:        name,
		Type:        domain.TypePTR,
		TextContent: hostname,
		ChangedBy:   changedBy,
	})
}

// syncForward drops the record under the prior name and leaves exactly one
// forward record from hostname to addr
func (s *Syncer) syncForward(ctx context.Context, hostname, oldHostname string, addr netip.Addr, changedBy int64) error {
	typ := domain.ForwardType(addr)
	addr = addr.Unmap()

	if oldHostname != "" && oldHostname != hostname {
		stale, err := s.records.FindByNameAndType(ctx, oldHostname, typ)
		if err != nil {
			return err
		}
		for _, rec := range stale {
			if rec.IPContent.Unmap() == addr {
				if err := s.delete(ctx, rec); err != nil {
					return err
				}
			}
		}
	}

	existing, err := s.records.FindByNameAndType(ctx, hostname, typ)
	if err != nil {
		return err
	}
	kept := false
	for _, rec := range existing {
		if rec.IPContent.Unmap() != addr {
			continue
		}
		if !kept {
			kept = true
			continue
		}
		if err := s.delete(ctx, rec); err != nil {
			return err
		}
	}
	if kept {
		return nil
	}

	return s.create(ctx, domain.DNSRecord{
		Name:      hostname,
		Type:      typ,
		IPContent: addr,
		ChangedBy: changedBy,
	})
}

func (s *Syncer) create(ctx context.Context, rec domain.DNSRecord) error {
	d, err := s.domains.FindLongestMatch(ctx, rec.Name)
	switch {
	case err == nil:
		rec.Domain = d.Name
	case !errors.Is(err, repository.ErrNotFound):
		return err
	}
	rec.TTL = s.ttl
	rec.Changed = s.now()

	if _, err := s.records.Save(ctx, rec); err != nil {
		return err
	}
	s.logger.Debug("created dns record", "name", rec.Name, "type", rec.Type, "content", rec.Content())
	return nil
}

func (s *Syncer) delete(ctx context.Context, rec domain.DNSRecord) error {
	if err := s.records.DeleteByID(ctx, rec.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.logger.Debug("deleted dns record", "name", rec.Name, "type", rec.Type, "content", rec.Content())
	return nil
}
