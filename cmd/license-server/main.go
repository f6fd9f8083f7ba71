// Command license-server issues, verifies, renews and revokes signed
// licenses over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-license/pkg/api"
	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/audit"
	"github.com/dd0wney/cluso-license/pkg/config"
	"github.com/dd0wney/cluso-license/pkg/licensing"
	"github.com/dd0wney/cluso-license/pkg/logging"
	"github.com/dd0wney/cluso-license/pkg/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("LICENSE_CONFIG"), "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "license-server: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.Log.Level))
	logging.SetDefaultLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("license server failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	ctx := context.Background()
	startedAt := time.Now()
	reg := metrics.NewRegistry()

	var cl closers
	defer cl.closeAll(logger)

	keySource, keySet, err := loadKeys(ctx, cfg.Keys)
	if err != nil {
		return fmt.Errorf("keys: %w", err)
	}
	keyring, err := licensing.NewKeyring(keySet)
	if err != nil {
		return err
	}
	reg.KeysRotated(keySet.Len(), startedAt)

	policy, err := licensing.NewPolicy(cfg.Policy.Scopes, cfg.Policy.MaxDuration,
		cfg.Policy.RenewalThreshold, cfg.Policy.GraceWindow)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	st, err := openStores(ctx, cfg, logger, &cl)
	if err != nil {
		return err
	}

	fanout, err := newEventSink(cfg.Events, logger, reg)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	cl.add(fanout)

	ring, auditTrail, err := newAuditTrail(cfg.Audit, &cl)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	svc, err := licensing.NewService(licensing.Dependencies{
		Policy:         policy,
		Keyring:        keyring,
		Keys:           keySource,
		IDs:            st.ids,
		Store:          st.store,
		Revocations:    st.revocations,
		Authorizer:     licensing.NewOwnerAuthorizer(st.store, cfg.Auth.Admins...),
		Events:         fanout,
		Recorder:       reg,
		Logger:         logger,
		PersistTimeout: cfg.Server.PersistTimeout,
	})
	if err != nil {
		return err
	}

	validator, err := newValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	tlsCfg, cert, err := newTLSConfig(cfg.Server)
	if err != nil {
		return err
	}
	if cert != nil {
		logger.Info("tls certificate loaded",
			logging.String("subject", cert.Subject),
			logging.String("not_after", cert.NotAfter.UTC().Format(time.RFC3339)),
		)
	}

	server, err := api.NewServer(api.Options{
		Service:        svc,
		Validator:      validator,
		AuditLog:       ring,
		Audit:          auditTrail,
		Metrics:        reg,
		Health:         newHealthChecker(svc, keySource, st.pings, cert),
		Logger:         logger,
		RateLimit:      rateLimitConfig(cfg.Server.RateLimit),
		TrustedProxies: proxies,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		PersistWait:    cfg.Server.PersistWait,
		TLS:            tlsCfg != nil,
	})
	if err != nil {
		return err
	}

	srv := server.HTTPServer(cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout)
	srv.TLSConfig = tlsCfg

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("license server listening",
			logging.String("addr", cfg.Server.Addr),
			logging.Bool("tls", tlsCfg != nil),
			logging.Any("key_ids", svc.TrustedKeyIDs()),
		)
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case err, ok := <-serveErr:
			if ok {
				return fmt.Errorf("http server: %w", err)
			}
			return nil

		case <-ticker.C:
			reg.UpdateSystemMetrics(startedAt)

		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				reloadKeys(cfg.Keys, keySource, svc, reg, auditTrail, logger)
				continue
			}
			logger.Info("shutting down", logging.String("signal", sig.String()))
			return shutdown(cfg.Server.ShutdownTimeout, server, srv, svc, logger)
		}
	}
}

// reloadKeys rotates the trusted key set and the signing key. A failed
// rotation keeps the current keys.
func reloadKeys(cfg config.KeysConfig, source *licensing.FileKeySource,
	svc *licensing.Service, reg *metrics.Registry, trail audit.Logger, logger logging.Logger) {
	set, err := rotateKeys(cfg, source, svc)
	if err != nil {
		logger.Error("key rotation failed", logging.Error(err))
		logAudit(trail, logger, audit.NewFailedEvent("system", audit.ActionRotateKeys, "", err.Error()))
		return
	}
	reg.KeysRotated(set.Len(), time.Now())
	logger.Info("keys rotated", logging.Any("key_ids", set.IDs()))

	event := audit.NewEvent("system", audit.ActionRotateKeys, "", "")
	event.Metadata = map[string]any{"key_ids": set.IDs()}
	logAudit(trail, logger, event)
}

// logAudit records event, logging write failures.
func logAudit(trail audit.Logger, logger logging.Logger, event *audit.Event) {
	if err := trail.Log(event); err != nil {
		logger.Error("failed to write audit event",
			logging.String("action", string(event.Action)),
			logging.Error(err),
		)
	}
}

// shutdown stops accepting requests, then waits for in-flight license
// writes. Remaining resources are closed by run's deferred closers.
func shutdown(timeout time.Duration, server *api.Server, srv *http.Server, svc *licensing.Service, logger logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(ctx, srv); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending writes: %w", err))
	}
	logger.Info("license server stopped")
	return errors.Join(errs...)
}
