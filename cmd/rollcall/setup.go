package main

import (
	"context"
	"fmt"

	"github.com/MrCodeEU/rollcall/pkg/compliance"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/keystore"
	"github.com/MrCodeEU/rollcall/pkg/policy"
	"github.com/MrCodeEU/rollcall/pkg/records"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/vault"
)

func openExtractor(c *config.Config) (*recognition.DlibExtractor, error) {
	ext := recognition.NewDlibExtractor()
	ext.UseCNN(c.Recognition.UseCNN)
	if err := ext.LoadModels(c.Recognition.ModelPath); err != nil {
		return nil, fmt.Errorf("%w (run 'rollcall models download' first)", err)
	}
	return ext, nil
}

func newBuilder(c *config.Config, ext recognition.Extractor) *gallery.Builder {
	b := gallery.NewBuilder(ext)
	b.Workers = c.Recognition.Workers
	if len(c.Recognition.Extensions) > 0 {
		b.Extensions = c.Recognition.Extensions
	}
	return b
}

func openKeys(c *config.Config) (*keystore.Store, error) {
	var backend keystore.Backend
	switch c.Keys.Backend {
	case config.KeyBackendKeyring:
		backend = keystore.NewKeyringBackend(c.Keys.KeyringService)
	default:
		fb, err := keystore.NewFileBackend(c.Keys.Dir)
		if err != nil {
			return nil, err
		}
		backend = fb
	}
	return keystore.Open(backend)
}

func openRecords(ctx context.Context, c *config.Config) (*records.Store, error) {
	if err := c.EnsureDirectories(); err != nil {
		return nil, err
	}
	return records.Open(ctx, c.Database.DSN)
}

func newPolicy(c *config.Config) *policy.Policy {
	return policy.New(c.Thresholds())
}

// vaultDeps bundles what the vault-backed commands need.
type vaultDeps struct {
	keys   *keystore.Store
	vault  *vault.Vault
	store  *records.Store
	policy *policy.Policy
	audit  compliance.Sink
}

func openVault(ctx context.Context, c *config.Config) (*vaultDeps, error) {
	keys, err := openKeys(c)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	store, err := openRecords(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to open records: %w", err)
	}
	return &vaultDeps{
		keys:   keys,
		vault:  vault.New(keys),
		store:  store,
		policy: newPolicy(c),
		audit:  compliance.NewLogSink(),
	}, nil
}

func (d *vaultDeps) Close() {
	_ = d.store.Close()
}
