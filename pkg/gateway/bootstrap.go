package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Mindburn-Labs/helm-gateway/pkg/actiongate"
	"github.com/Mindburn-Labs/helm-gateway/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/audit"
	"github.com/Mindburn-Labs/helm-gateway/pkg/config"
	"github.com/Mindburn-Labs/helm-gateway/pkg/database"
	"github.com/Mindburn-Labs/helm-gateway/pkg/driver"
	"github.com/Mindburn-Labs/helm-gateway/pkg/escalation"
	"github.com/Mindburn-Labs/helm-gateway/pkg/evidence"
	"github.com/Mindburn-Labs/helm-gateway/pkg/manifest"
	"github.com/Mindburn-Labs/helm-gateway/pkg/observability"
	"github.com/Mindburn-Labs/helm-gateway/pkg/token"
)

// Stores holds the audit chain and manifest store opened from configuration.
type Stores struct {
	Audit     *audit.Chain
	Manifests *manifest.Store

	closers []io.Closer
}

// Close closes both stores and any database they share.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// OpenStores opens the configured audit and manifest backends. SQL backends
// of the same kind share one connection pool.
func OpenStores(ctx context.Context, cfg *config.Config) (_ *Stores, err error) {
	s := &Stores{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	dbs := map[config.Backend]*sql.DB{}
	openDB := func(b config.Backend) (*sql.DB, error) {
		if db, ok := dbs[b]; ok {
			return db, nil
		}
		var (
			db  *sql.DB
			err error
		)
		switch b {
		case config.BackendSQLite:
			db, err = database.Open(ctx, database.KindSQLite, cfg.SQLitePath)
		case config.BackendPostgres:
			db, err = database.Open(ctx, database.KindPostgres, cfg.DatabaseURL)
		default:
			return nil, fmt.Errorf("backend %q is not a database", b)
		}
		if err != nil {
			return nil, err
		}
		dbs[b] = db
		s.closers = append(s.closers, db)
		return db, nil
	}

	var auditBackend audit.Backend
	switch cfg.AuditBackend {
	case config.BackendFile:
		fb, err := audit.OpenFileBackend(cfg.AuditPath)
		if err != nil {
			return nil, err
		}
		auditBackend = fb
	default:
		db, err := openDB(cfg.AuditBackend)
		if err != nil {
			return nil, err
		}
		sb := audit.NewSQLBackend(db)
		if err := sb.Init(ctx); err != nil {
			return nil, err
		}
		auditBackend = sb
	}
	chain, err := audit.Open(ctx, auditBackend)
	if err != nil {
		_ = auditBackend.Close()
		return nil, err
	}
	s.Audit = chain
	s.closers = append(s.closers, chain)

	var manifestBackend manifest.Backend
	switch cfg.ManifestBackend {
	case config.BackendFile:
		fb, err := manifest.NewFileBackend(cfg.ManifestDir)
		if err != nil {
			return nil, err
		}
		manifestBackend = fb
	default:
		db, err := openDB(cfg.ManifestBackend)
		if err != nil {
			return nil, err
		}
		sb := manifest.NewSQLBackend(db)
		if err := sb.Init(ctx); err != nil {
			return nil, err
		}
		manifestBackend = sb
	}
	store, err := manifest.Open(ctx, manifestBackend)
	if err != nil {
		_ = manifestBackend.Close()
		return nil, err
	}
	s.Manifests = store
	s.closers = append(s.closers, store)
	return s, nil
}

// NewAuthority builds the token authority: a signing codec when a secret is
// configured and a Redis consumption store when an address is.
func NewAuthority(cfg *config.Config) (*token.Authority, io.Closer, error) {
	opts := []token.Option{token.WithTTL(cfg.TokenTTL)}
	if cfg.TokenSecret != "" {
		codec, err := token.NewCodec([]byte(cfg.TokenSecret))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, token.WithCodec(codec))
	}
	var closer io.Closer
	if cfg.RedisAddr != "" {
		store := token.NewRedisConsumptionStoreFromAddr(cfg.RedisAddr, "", 0)
		opts = append(opts, token.WithConsumptionStore(store))
		closer = store
	}
	return token.NewAuthority(opts...), closer, nil
}

// FromConfig wires a gateway from configuration and a policy file. The
// returned gateway owns every store it opened; call Close when done.
func FromConfig(ctx context.Context, cfg *config.Config, policy *config.PolicyFile, drv driver.Driver) (_ *Gateway, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, stores)

	authority, redisCloser, err := NewAuthority(cfg)
	if err != nil {
		return nil, err
	}
	if redisCloser != nil {
		closers = append(closers, redisCloser)
	}

	gateCfg := actiongate.Config{}
	if policy != nil {
		gateCfg = policy.GateConfig()
	}
	gate, err := actiongate.New(gateCfg)
	if err != nil {
		return nil, err
	}

	store, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}

	notifiers := escalation.MultiNotifier{escalation.NewLogNotifier(nil)}
	if cfg.NATSURL != "" {
		nn, err := escalation.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, nn)
		closers = append(closers, nn)
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, err
	}

	g, err := New(ctx, Options{
		Authority:     authority,
		Gate:          gate,
		Audit:         stores.Audit,
		Manifests:     stores.Manifests,
		Evidence:      evidence.NewGate(evidence.WithArtifactStore(store)),
		Driver:        drv,
		Notifier:      notifiers,
		Telemetry:     telemetry,
		Retry:         cfg.Retry,
		Restarts:      cfg.Restarts,
		PacingRPS:     cfg.PacingRPS,
		PacingBurst:   cfg.PacingBurst,
		VerifyEvery:   cfg.VerifyEvery,
		ManifestEvery: cfg.ManifestEvery,
		Closers:       closers,
		Logger:        slog.Default().With("component", "gateway"),
	})
	if g != nil && err != nil {
		// Integrity failure: hand back the halted gateway so an operator can
		// inspect it; the stores stay open.
		closers = nil
		return g, err
	}
	return g, err
}
