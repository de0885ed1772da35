package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/dnsexport"
	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ipam.db")
	cfgPath := filepath.Join(dir, "ipam.yaml")
	cfg := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s\nlog:\n  level: error\n", dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath, dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 4")

	out, err = run(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 4")
}

func TestNetworkAndHostCommands(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	_, err := run(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)

	ds, err := datastore.New(dbPath)
	require.NoError(t, err)
	_, err = repository.NewUserRepository(ds.Querier()).Save(context.Background(), domain.User{Username: "root", IsSuperuser: true, Tier: domain.TierAdmin})
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	_, err = run(t, "--config", cfgPath, "network", "create", "10.5.0.0/29")
	assert.ErrorContains(t, err, "--as is required")

	out, err := run(t, "--config", cfgPath, "network", "create", "10.5.0.0/29", "--as", "root", "--name", "lab")
	require.NoError(t, err)
	assert.Contains(t, out, "created network 10.5.0.0/29 (gateway 10.5.0.1) with 8 addresses")

	_, err = run(t, "--config", cfgPath, "host", "renew", "aa:bb:cc:00:00:01", "--as", "root", "--days", "7")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = run(t, "--config", cfgPath, "host", "delete", "not-a-mac", "--as", "root")
	assert.ErrorIs(t, err, domain.ErrValidation)

	out, err = run(t, "--config", cfgPath, "host", "expired")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDisableAndRoleCommands(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	_, err := run(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)

	ds, err := datastore.New(dbPath)
	require.NoError(t, err)
	users := repository.NewUserRepository(ds.Querier())
	_, err = users.Save(context.Background(), domain.User{Username: "root", IsSuperuser: true, Tier: domain.TierAdmin})
	require.NoError(t, err)
	_, err = users.Save(context.Background(), domain.User{Username: "bob"})
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	out, err := run(t, "--config", cfgPath, "host", "disable", "AA:BB:CC:00:00:01", "--as", "root", "--reason", "abuse")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled aa:bb:cc:00:00:01")

	_, err = run(t, "--config", cfgPath, "host", "disable", "aa:bb:cc:00:00:02", "--as", "bob")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = run(t, "--config", cfgPath, "host", "enable", "aa:bb:cc:00:00:01", "--as", "root")
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "host", "enable", "aa:bb:cc:00:00:01", "--as", "root")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = run(t, "--config", cfgPath, "role", "grant", "--as", "root", "--user", "bob", "--type", "host", "--cap", "can_change")
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "role", "revoke", "--as", "root", "--user", "bob", "--type", "host", "--cap", "can_change")
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "role", "grant", "--as", "root", "--user", "bob", "--type", "printer", "--cap", "can_change")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestExportCommand_RequiresZones(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := run(t, "--config", cfgPath, "dns", "export-route53")
	assert.ErrorContains(t, err, "no route53 zones")
}

func TestConfigErrors(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "migrate")
	assert.Error(t, err)
}

type fakeExporter struct {
	exported []string
	err      error
}

func (f *fakeExporter) Export(_ context.Context, d string) (dnsexport.Result, error) {
	f.exported = append(f.exported, d)
	return dnsexport.Result{Domain: d, ZoneID: "Z-" + d, Sets: 2, Batches: 1}, f.err
}

func (f *fakeExporter) ExportAll(_ context.Context) ([]dnsexport.Result, error) {
	return []dnsexport.Result{{Domain: "example.com", ZoneID: "Z1", Sets: 3, Batches: 1}}, f.err
}

func TestRunExport(t *testing.T) {
	var out bytes.Buffer
	exp := &fakeExporter{}

	require.NoError(t, runExport(context.Background(), &out, exp, nil))
	assert.Equal(t, "example.com -> Z1: 3 record sets in 1 batch(es)\n", out.String())

	out.Reset()
	require.NoError(t, runExport(context.Background(), &out, exp, []string{"a.org", "b.org"}))
	assert.Equal(t, []string{"a.org", "b.org"}, exp.exported)
	assert.Contains(t, out.String(), "b.org -> Z-b.org")

	exp.err = errors.New("denied")
	assert.ErrorContains(t, runExport(context.Background(), &out, exp, []string{"c.org"}), "denied")
}
