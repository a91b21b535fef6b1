// Package app wires every gateway collaborator into a single App, in place
// of the package-level singletons the teacher's own core packages lean on.
//
// Grounded on core/api_node.go's NewNode/constructor-injection style: one
// function builds every dependency explicitly and hands the caller a single
// struct, rather than each package reaching for a global.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/anchor"
	"github.com/drp-network/gateway/internal/audit"
	"github.com/drp-network/gateway/internal/consent"
	"github.com/drp-network/gateway/internal/contentstore"
	"github.com/drp-network/gateway/internal/elders"
	"github.com/drp-network/gateway/internal/httpapi"
	"github.com/drp-network/gateway/internal/index"
	"github.com/drp-network/gateway/internal/keyvault"
	"github.com/drp-network/gateway/internal/metrics"
	"github.com/drp-network/gateway/internal/pipeline"
	"github.com/drp-network/gateway/internal/readapi"
	"github.com/drp-network/gateway/internal/session"
	"github.com/drp-network/gateway/pkg/config"
)

// App owns every long-lived collaborator in the gateway process.
type App struct {
	Config *config.Config
	Log    *logrus.Logger

	KeyVault   *keyvault.KeyVault
	Consent    *consent.Service
	Store      contentstore.Store
	Index      index.Index
	Elders     *elders.Quorum
	Ledger     anchor.Ledger
	Anchor     *anchor.Service
	KeyManager *session.KeyManager
	Protector  *session.Protector
	Audit      *audit.Log
	Metrics    *metrics.Collector
	Pipeline   *pipeline.Pipeline
	ReadAPI    *readapi.API
	HTTPAPI    *httpapi.API
}

// New constructs every collaborator named in cfg and wires them into an App.
// Callers are responsible for calling Close when the process shuts down.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = logrus.New()
	}

	vault, err := keyvault.New(cfg.KeyVault.MasterKeyFile, log)
	if err != nil {
		return nil, fmt.Errorf("app: keyvault: %w", err)
	}

	consentSvc, err := consent.New(cfg.Consent.DBFile, cfg.Consent.PrivateKeyFile, time.Duration(cfg.Consent.DefaultTTLSec)*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("app: consent: %w", err)
	}

	var store contentstore.Store
	if cfg.Storage.IPFSURL == "" {
		store = contentstore.NewMemory()
	} else {
		store = contentstore.NewIPFSGateway(contentstore.GatewayConfig{URL: cfg.Storage.IPFSURL, Timeout: 30 * time.Second}, log)
	}

	var idx index.Index
	switch cfg.Index.Backend {
	case "badger":
		b, err := index.NewBadger(cfg.Index.DataDir, log)
		if err != nil {
			return nil, fmt.Errorf("app: index: %w", err)
		}
		idx = b
	default:
		idx = index.NewMemory()
	}

	quorum, err := elders.New(cfg.Elders.KeysFile, cfg.Elders.Count, cfg.Elders.CountThreshold, log)
	if err != nil {
		return nil, fmt.Errorf("app: elders: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
	}

	var ledger anchor.Ledger
	switch cfg.Ledger.Backend {
	case "ethereum":
		key, err := crypto.HexToECDSA(cfg.Ledger.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("app: parse ledger private key: %w", err)
		}
		eth, err := anchor.NewEthereumLedger(ctx, cfg.Ledger.RPCURL, key)
		if err != nil {
			return nil, fmt.Errorf("app: ethereum ledger: %w", err)
		}
		ledger = eth
	default:
		ledger = anchor.NewDigestLedger()
	}
	anchorSvc := anchor.New(quorum, idx, ledger, log, anchor.WithMetrics(collector))

	keyMgr := session.NewKeyManager(time.Duration(cfg.Session.KeyTTLSeconds)*time.Second, log)
	protector := session.NewProtector(keyMgr, log, collector)

	auditLog, err := audit.Open(cfg.Audit.LogDir)
	if err != nil {
		return nil, fmt.Errorf("app: audit log: %w", err)
	}

	pipe := pipeline.New(consentSvc, vault, store, idx, anchorSvc, auditLog, log, 30*time.Second, collector)
	read := readapi.New(idx, anchorSvc)
	api := httpapi.New(pipe, read, store, anchorSvc, quorum, collector, log)

	return &App{
		Config:     cfg,
		Log:        log,
		KeyVault:   vault,
		Consent:    consentSvc,
		Store:      store,
		Index:      idx,
		Elders:     quorum,
		Ledger:     ledger,
		Anchor:     anchorSvc,
		KeyManager: keyMgr,
		Protector:  protector,
		Audit:      auditLog,
		Metrics:    collector,
		Pipeline:   pipe,
		ReadAPI:    read,
		HTTPAPI:    api,
	}, nil
}

// Close releases every collaborator that owns a file handle or background
// resource.
func (a *App) Close() error {
	var firstErr error
	if err := a.Index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.Audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
