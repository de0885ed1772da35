// Package dnsexport publishes the curated DNS records of a domain to an AWS
// Route53 hosted zone. It pushes record data only and never reads zones
// back into the store.
package dnsexport

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/ipam/internal/config"
	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// MaxChangesPerBatch stays below the Route53 limit of 1000 changes per request
const MaxChangesPerBatch = 500

// Client is the part of the Route53 API the exporter uses
type Client interface {
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// NewClient builds a Route53 client from static credentials, falling back to
// the default AWS credential chain when none are configured
func NewClient(ctx context.Context, cfg config.Route53Config) (*route53.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return route53.NewFromConfig(awsCfg), nil
}

// Result summarizes one zone export
type Result struct {
	Domain  string
	ZoneID  string
	Sets    int
	Batches int
}

// Exporter pushes records from the store into configured hosted zones
type Exporter struct {
	client  Client
	records repository.DNSRecordRepository
	zones   map[string]string // domain -> hosted zone ID
	logger  *slog.Logger
}

// New creates an exporter for the configured domain to zone mappings
func New(client Client, records repository.DNSRecordRepository, zones []config.Route53Zone, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]string, len(zones))
	for _, z := range zones {
		m[strings.ToLower(strings.TrimSuffix(z.Domain, "."))] = z.ID
	}
	return &Exporter{client: client, records: records, zones: m, logger: logger}
}

// Export upserts every record of domainName into its hosted zone
func (e *Exporter) Export(ctx context.Context, domainName string) (Result, error) {
	domainName = strings.ToLower(strings.TrimSuffix(domainName, "."))
	zoneID, ok := e.zones[domainName]
	if !ok {
		return Result{}, domain.NewValidationError("domain", "no hosted zone is configured for %q", domainName)
	}
	res := Result{Domain: domainName, ZoneID: zoneID}

	records, err := e.records.FindByDomain(ctx, domainName)
	if err != nil {
		return res, err
	}
	sets := RecordSets(records)
	res.Sets = len(sets)

	for batch := range slices.Chunk(sets, MaxChangesPerBatch) {
		changes := make([]types.Change, 0, len(batch))
		for _, set := range batch {
			changes = append(changes, types.Change{Action: types.ChangeActionUpsert, ResourceRecordSet: &set})
		}

		_, err := e.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(zoneID),
			ChangeBatch: &types.ChangeBatch{
				Comment: aws.String("Exported from ipam"),
				Changes: changes,
			},
		})
		if err != nil {
			return res, fmt.Errorf("failed to push records to zone %s: %w", zoneID, err)
		}
		res.Batches++
	}

	e.logger.Info("exported dns records", "domain", domainName, "zone", zoneID, "sets", res.Sets, "batches", res.Batches)
	return res, nil
}

// ExportAll exports every configured domain concurrently
func (e *Exporter) ExportAll(ctx context.Context) ([]Result, error) {
	names := make([]string, 0, len(e.zones))
	for name := range e.zones {
		names = append(names, name)
	}
	slices.Sort(names)

	results := make([]Result, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			r, err := e.Export(ctx, name)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// RecordSets groups records sharing a name and type into Route53 record
// sets, ordered by name then type
func RecordSets(records []domain.DNSRecord) []types.ResourceRecordSet {
	type key struct {
		name string
		typ  domain.DNSType
	}

	var (
		order  []key
		groups = map[key]*types.ResourceRecordSet{}
	)
	for _, r := range records {
		k := key{name: r.Name, typ: r.Type}
		set, ok := groups[k]
		if !ok {
			set = &types.ResourceRecordSet{
				Name: aws.String(fqdn(r.Name)),
				Type: types.RRType(r.Type),
				TTL:  aws.Int64(int64(r.TTL)),
			}
			groups[k] = set
			order = append(order, k)
		}
		// The shortest TTL wins for a merged set
		if int64(r.TTL) < aws.ToInt64(set.TTL) {
			set.TTL = aws.Int64(int64(r.TTL))
		}
		set.ResourceRecords = append(set.ResourceRecords, types.ResourceRecord{Value: aws.String(value(r))})
	}

	slices.SortFunc(order, func(a, b key) int {
		return cmp.Or(cmp.Compare(a.name, b.name), cmp.Compare(a.typ, b.typ))
	})
	sets := make([]types.ResourceRecordSet, 0, len(order))
	for _, k := range order {
		sets = append(sets, *groups[k])
	}
	return sets
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

// value renders record content in the form Route53 expects
func value(r domain.DNSRecord) string {
	content := r.Content()
	switch r.Type {
	case domain.TypePTR, domain.TypeCNAME, domain.TypeNS:
		return fqdn(content)
	case domain.TypeMX, domain.TypeSRV:
		fields := strings.Fields(content)
		if len(fields) > 0 {
			fields[len(fields)-1] = fqdn(fields[len(fields)-1])
		}
		return strings.Join(fields, " ")
	case domain.TypeTXT:
		if strings.HasPrefix(content, `"`) {
			return content
		}
		return `"` + strings.ReplaceAll(content, `"`, `\"`) + `"`
	}
	return content
}
