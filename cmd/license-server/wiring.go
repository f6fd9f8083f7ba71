package main

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/audit"
	"github.com/dd0wney/cluso-license/pkg/auth"
	"github.com/dd0wney/cluso-license/pkg/config"
	"github.com/dd0wney/cluso-license/pkg/events"
	"github.com/dd0wney/cluso-license/pkg/health"
	"github.com/dd0wney/cluso-license/pkg/licensing"
	"github.com/dd0wney/cluso-license/pkg/logging"
	"github.com/dd0wney/cluso-license/pkg/metrics"
	tlsconfig "github.com/dd0wney/cluso-license/pkg/tls"
)

// certExpiryWarning is how long before expiry the certificate check degrades.
const certExpiryWarning = 14 * 24 * time.Hour

// backend is a store that can also hand out IDs and record revocations.
// The memory, file and postgres stores all qualify.
type backend interface {
	licensing.LicenseStore
	licensing.IDAllocator
	licensing.RevocationStore
}

// closers collects resources released on shutdown, in reverse order.
type closers []io.Closer

func (c *closers) add(closer io.Closer) {
	*c = append(*c, closer)
}

func (c closers) closeAll(logger logging.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			logger.Warn("close failed", logging.Error(err))
		}
	}
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case "memory":
		return licensing.NewMemoryStore(), nil
	case "file":
		return licensing.NewStore(cfg.DataDir)
	case "postgres":
		return licensing.NewPGStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// stores holds the collaborators derived from the store, archive and
// revocation settings.
type stores struct {
	store       licensing.LicenseStore
	ids         licensing.IDAllocator
	revocations licensing.RevocationStore
	pings       map[string]func(context.Context) error
}

func openStores(ctx context.Context, cfg *config.Config, logger logging.Logger, cl *closers) (*stores, error) {
	primary, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("license store: %w", err)
	}

	s := &stores{
		store:       primary,
		ids:         primary,
		revocations: primary,
		pings:       map[string]func(context.Context) error{"store": primary.Ping},
	}

	if cfg.Archive.Enabled {
		archive, err := licensing.NewS3Store(ctx, licensing.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("license archive: %w", err)
		}
		s.store = licensing.NewTeeStore(primary, archive, logger)
		s.pings["archive"] = archive.Ping
	}
	cl.add(s.store)

	switch cfg.Revocation.Driver {
	case "store":
	case "memory":
		s.revocations = licensing.NewMemoryStore()
	case "redis":
		rdb, err := licensing.DialRedis(ctx, cfg.Revocation.RedisAddr, cfg.Revocation.RedisPassword,
			cfg.Revocation.RedisDB, cfg.Revocation.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("revocation store: %w", err)
		}
		cl.add(rdb)
		s.revocations = rdb
		s.ids = rdb
		s.pings["redis"] = rdb.Ping
	case "postgres":
		url := cfg.Revocation.DatabaseURL
		if url == "" {
			url = cfg.Store.DatabaseURL
		}
		pg, err := licensing.NewPGStore(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("revocation store: %w", err)
		}
		cl.add(pg)
		s.revocations = pg
		s.pings["revocations"] = pg.Ping
	default:
		return nil, fmt.Errorf("unknown revocation driver %q", cfg.Revocation.Driver)
	}

	if addr := cfg.Revocation.FeedListen; addr != "" {
		pub, err := licensing.NewFeedPublisher(s.revocations, addr, logger)
		if err != nil {
			return nil, fmt.Errorf("revocation feed: %w", err)
		}
		cl.add(pub)
		s.revocations = pub
	}
	if addr := cfg.Revocation.FeedDial; addr != "" {
		cache, err := licensing.NewFeedCache(s.revocations, addr, logger)
		if err != nil {
			return nil, fmt.Errorf("revocation feed: %w", err)
		}
		cl.add(cache)
		s.revocations = cache
	}
	return s, nil
}

// loadKeys returns the signing key source and the trusted key set. Without
// configured trusted keys the signing key's public half is trusted. The
// signing key must verify under the trusted set.
func loadKeys(ctx context.Context, cfg config.KeysConfig) (*licensing.FileKeySource, *licensing.KeySet, error) {
	source := licensing.NewFileKeySource(cfg.SigningKey, []byte(cfg.Passphrase))
	key, err := source.SigningKey(ctx)
	if err != nil {
		return nil, nil, err
	}
	set, err := trustedKeys(cfg, key)
	if err != nil {
		return nil, nil, err
	}
	return source, set, nil
}

func trustedKeys(cfg config.KeysConfig, key ed25519.PrivateKey) (*licensing.KeySet, error) {
	var set *licensing.KeySet
	var err error
	if len(cfg.TrustedKeys) > 0 {
		set, err = licensing.LoadKeySet(cfg.TrustedKeys...)
	} else {
		set, err = licensing.NewKeySet(key.Public().(ed25519.PublicKey))
	}
	if err != nil {
		return nil, err
	}
	if err := set.Accepts(key); err != nil {
		return nil, err
	}
	return set, nil
}

func newEventSink(cfg config.EventsConfig, logger logging.Logger, reg *metrics.Registry) (*events.Fanout, error) {
	var sinks []events.Sink
	if len(cfg.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, kp)
	}
	if cfg.Log || len(sinks) == 0 {
		sinks = append(sinks, events.NewLogPublisher(logger))
	}
	return events.NewFanout(reg, cfg.Timeout, sinks...), nil
}

// newAuditTrail returns the in-memory ring served by the API and the logger
// every event goes to. With a journal path the events are also chained to
// disk.
func newAuditTrail(cfg config.AuditConfig, cl *closers) (*audit.AuditLogger, audit.Logger, error) {
	ring := audit.NewAuditLogger(cfg.BufferSize)
	if cfg.JournalPath == "" {
		return ring, ring, nil
	}
	journal, err := audit.OpenJournal(cfg.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	cl.add(journal)
	return ring, audit.Multi{ring, journal}, nil
}

func newValidator(cfg config.AuthConfig) (auth.TokenValidator, error) {
	jwtManager, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenDuration)
	if err != nil {
		return nil, err
	}
	if len(cfg.APIKeys) == 0 {
		return jwtManager, nil
	}
	keys, err := auth.NewAPIKeyValidator(cfg.JWTSecret, cfg.APIKeys...)
	if err != nil {
		return nil, err
	}
	return auth.NewCompositeTokenValidator(jwtManager, keys), nil
}

// newTLSConfig returns nil when the listener serves plain HTTP.
func newTLSConfig(cfg config.ServerConfig) (*tls.Config, *tlsconfig.CertificateInfo, error) {
	if !cfg.TLSEnabled() {
		return nil, nil, nil
	}
	return tlsconfig.ServerConfig(&tlsconfig.Config{
		CertFile:     cfg.TLSCertFile,
		KeyFile:      cfg.TLSKeyFile,
		ClientCAFile: cfg.TLSClientCAFile,
		SelfSigned:   cfg.TLSSelfSigned,
		Hosts:        cfg.TLSHosts,
		MinVersion:   tls.VersionTLS12,
	})
}

func newHealthChecker(svc *licensing.Service, keys licensing.KeySource, pings map[string]func(context.Context) error, cert *tlsconfig.CertificateInfo) *health.HealthChecker {
	hc := health.NewHealthChecker()
	hc.SetTimeout(5 * time.Second)

	for name, ping := range pings {
		hc.RegisterReadinessCheck(name, health.PingCheck(name, true, ping))
	}
	hc.RegisterReadinessCheck("keyring", health.KeyringCheck(svc.TrustedKeyIDs))
	hc.RegisterReadinessCheck("signing_key", health.SigningKeyCheck(func(ctx context.Context) error {
		_, err := keys.SigningKey(ctx)
		return err
	}))
	if cert != nil {
		hc.RegisterReadinessCheck("tls_certificate", health.CertificateExpiryCheck(cert.NotAfter, certExpiryWarning, nil))
	}
	hc.RegisterCheck("memory", health.MemoryCheck(nil))
	hc.RegisterLivenessCheck("process", func(context.Context) health.Check {
		return health.SimpleCheck("process")
	})
	return hc
}

func rateLimitConfig(cfg config.RateLimitConfig) *middleware.RateLimitConfig {
	if !cfg.Enabled {
		return nil
	}
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RPS
	rl.BurstSize = cfg.Burst
	return rl
}

// rotateKeys reloads the signing key and the trusted key set. Both are
// parsed and checked against each other before either is swapped in, so a
// failed rotation leaves the running keys untouched.
func rotateKeys(cfg config.KeysConfig, source *licensing.FileKeySource, svc *licensing.Service) (*licensing.KeySet, error) {
	key, err := source.Load()
	if err != nil {
		return nil, err
	}
	set, err := trustedKeys(cfg, key)
	if err != nil {
		return nil, err
	}
	if err := svc.RotateKeys(set); err != nil {
		return nil, err
	}
	source.Set(key)
	return set, nil
}
