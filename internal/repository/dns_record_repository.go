package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// DNSRecordRepository defines domain-specific operations for DNS records
type DNSRecordRepository interface {
	Repository[domain.DNSRecord, int64]
	FindByName(ctx context.Context, name string) ([]domain.DNSRecord, error)
	FindByNameAndType(ctx context.Context, name string, typ domain.DNSType) ([]domain.DNSRecord, error)
	FindByAddress(ctx context.Context, addr netip.Addr) ([]domain.DNSRecord, error)
	FindByDomain(ctx context.Context, domainName string) ([]domain.DNSRecord, error)
}

// dnsRecordRepositoryImpl implements DNSRecordRepository
type dnsRecordRepositoryImpl struct {
	q datastore.Querier
}

// NewDNSRecordRepository creates a new DNS record repository
func NewDNSRecordRepository(q datastore.Querier) DNSRecordRepository {
	return &dnsRecordRepositoryImpl{q: q}
}

const dnsRecordColumns = `id, domain, name, type, text_content, ip_content, ttl, changed, changed_by`

func scanDNSRecord(row rowScanner) (domain.DNSRecord, error) {
	var (
		rec         domain.DNSRecord
		domainName  sql.NullString
		typ         string
		textContent sql.NullString
		ipContent   sql.NullString
	)
	err := row.Scan(&rec.ID, &domainName, &rec.Name, &typ, &textContent, &ipContent, &rec.TTL, &rec.Changed, &rec.ChangedBy)
	if err != nil {
		return domain.DNSRecord{}, err
	}
	rec.Domain = domainName.String
	rec.Type = domain.DNSType(typ)
	rec.TextContent = textContent.String
	if ipContent.Valid {
		addr, err := netip.ParseAddr(ipContent.String)
		if err != nil {
			return domain.DNSRecord{}, fmt.Errorf("invalid stored ip content %q: %w", ipContent.String, err)
		}
		rec.IPContent = addr
	}
	return rec, nil
}

// Save creates or updates a DNS record. A record carrying both text and
// address content is rejected with domain.ErrInconsistentDNSState.
func (r *dnsRecordRepositoryImpl) Save(ctx context.Context, rec domain.DNSRecord) (domain.DNSRecord, error) {
	if rec.Name == "" || rec.Type == "" {
		return domain.DNSRecord{}, fmt.Errorf("dns record name and type are required: %w", ErrInvalidEntity)
	}
	if rec.TextContent != "" && rec.IPContent.IsValid() {
		return domain.DNSRecord{}, fmt.Errorf("record %s %s has both text and address content: %w",
			rec.Name, rec.Type, domain.ErrInconsistentDNSState)
	}
	rec.Changed = rec.Changed.UTC()

	var ipContent any
	if rec.IPContent.IsValid() {
		ipContent = rec.IPContent.Unmap().String()
	}

	if rec.ID == 0 {
		err := r.q.QueryRowContext(ctx, `
			INSERT INTO dns_records (domain, name, type, text_content, ip_content, ttl, changed, changed_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			nullString(rec.Domain), rec.Name, string(rec.Type), nullString(rec.TextContent), ipContent,
			rec.TTL, rec.Changed, rec.ChangedBy).Scan(&rec.ID)
		if err != nil {
			return domain.DNSRecord{}, fmt.Errorf("failed to create dns record: %w", err)
		}
		return rec, nil
	}

	_, err := r.q.ExecContext(ctx, `
		UPDATE dns_records
		SET domain = ?, name = ?, type = ?, text_content = ?, ip_content = ?, ttl = ?, changed = ?, changed_by = ?
		WHERE id = ?`,
		nullString(rec.Domain), rec.Name, string(rec.Type), nullString(rec.TextContent), ipContent,
		rec.TTL, rec.Changed, rec.ChangedBy, rec.ID)
	if err != nil {
		return domain.DNSRecord{}, fmt.Errorf("failed to update dns record: %w", err)
	}
	return rec, nil
}

// FindByID finds a DNS record
func (r *dnsRecordRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.DNSRecord, error) {
	rec, err := queryOne(ctx, r.q, scanDNSRecord, `SELECT `+dnsRecordColumns+` FROM dns_records WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.DNSRecord{}, fmt.Errorf("failed to find dns record: %w", err)
	}
	return rec, err
}

func (r *dnsRecordRepositoryImpl) findMany(ctx context.Context, where string, args ...any) ([]domain.DNSRecord, error) {
	records, err := queryList(ctx, r.q, scanDNSRecord,
		`SELECT `+dnsRecordColumns+` FROM dns_records WHERE `+where+` ORDER BY name, type, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find dns records: %w", err)
	}
	return records, nil
}

// FindByName finds all records with the given name
func (r *dnsRecordRepositoryImpl) FindByName(ctx context.Context, name string) ([]domain.DNSRecord, error) {
	return r.findMany(ctx, "name = ?", name)
}

// FindByNameAndType finds all records with the given name and type
func (r *dnsRecordRepositoryImpl) FindByNameAndType(ctx context.Context, name string, typ domain.DNSType) ([]domain.DNSRecord, error) {
	return r.findMany(ctx, "name = ? AND type = ?", name, string(typ))
}

// FindByAddress finds all records whose address content is addr
func (r *dnsRecordRepositoryImpl) FindByAddress(ctx context.Context, addr netip.Addr) ([]domain.DNSRecord, error) {
	return r.findMany(ctx, "ip_content = ?", addr.Unmap().String())
}

// FindByDomain finds all records owned by a domain
func (r *dnsRecordRepositoryImpl) FindByDomain(ctx context.Context, domainName string) ([]domain.DNSRecord, error) {
	return r.findMany(ctx, "domain = ?", domainName)
}

// FindAll finds all DNS records
func (r *dnsRecordRepositoryImpl) FindAll(ctx context.Context) ([]domain.DNSRecord, error) {
	records, err := queryList(ctx, r.q, scanDNSRecord, `SELECT `+dnsRecordColumns+` FROM dns_records ORDER BY name, type, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to find dns records: %w", err)
	}
	return records, nil
}

// DeleteByID deletes a DNS record
func (r *dnsRecordRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM dns_records WHERE id = ?`, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete dns record: %w", err)
	}
	return nil
}

// ExistsByID checks if a DNS record exists
func (r *dnsRecordRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM dns_records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to check dns record existence: %w", err)
	}
	return ok, nil
}
