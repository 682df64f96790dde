// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/caretaker/internal/httputil"
	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/maintenance/classifier"
	"github.com/element-hq/caretaker/maintenance/emergency"
	"github.com/element-hq/caretaker/maintenance/host"
	"github.com/element-hq/caretaker/maintenance/interceptor"
	"github.com/element-hq/caretaker/maintenance/producers"
	"github.com/element-hq/caretaker/maintenance/routing"
	"github.com/element-hq/caretaker/maintenance/sessions"
	"github.com/element-hq/caretaker/maintenance/state"
	"github.com/element-hq/caretaker/maintenance/status"
	"github.com/element-hq/caretaker/maintenance/storage"
	"github.com/element-hq/caretaker/setup/config"
)

var configPath = flag.String("config", "caretaker.yaml", "Path to the caretaker config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalf("Invalid configuration in %s", *configPath)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}

	if cfg.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer func() {
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open the status database")
	}

	cls, err := classifier.NewWithDefaults()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build the default classifier ruleset")
	}
	for _, custom := range cfg.Maintenance.CustomOperations {
		rule := classifier.Rule{
			Name:    custom.Name,
			Pattern: custom.Pattern,
			Methods: custom.Methods,
			Type:    api.OperationType(custom.Type),
		}
		if custom.Position != nil {
			err = cls.InsertRule(*custom.Position, rule)
		} else {
			err = cls.AddRule(rule)
		}
		if err != nil {
			logrus.WithError(err).WithField("rule", custom.Name).Fatal("Failed to register custom operation rule")
		}
	}
	policy := api.NewBlockingPolicy(cls.Types())

	stateSvc := state.NewService(&cfg.Maintenance, db)
	if cfg.Sentry.Enabled {
		stateSvc.OnCriticalError = func(err error) {
			sentry.CaptureException(err)
		}
	}
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := stateSvc.Load(loadCtx); err != nil {
		cancelLoad()
		logrus.WithError(err).Fatal("Failed to restore persisted maintenance status")
	}
	cancelLoad()

	resolver := host.NewStaticIdentityResolver(cfg.Maintenance.AdminIdentities)
	sessionStore := host.NewMemorySessionStore()
	jobRegistry := host.NewMemoryJobRegistry()

	coordinator := sessions.NewCoordinator(&cfg.Maintenance, sessionStore, resolver)

	var notifier emergency.Notifier
	if cfg.NATS.Address != "" {
		nc, err := nats.Connect(cfg.NATS.Address)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer nc.Close()
		js, err := nc.JetStream()
		if err != nil {
			logrus.WithError(err).Fatal("Failed to get a JetStream context")
		}
		producer := &producers.Notifier{
			ModeTopic:      cfg.NATS.TopicPrefix + ".mode",
			EmergencyTopic: cfg.NATS.TopicPrefix + ".emergency",
			JetStream:      js,
		}
		stateSvc.AddListener(producer.NotifyModeChange)
		notifier = producer
	}

	handler := emergency.NewHandler(&cfg.Maintenance, stateSvc, coordinator, jobRegistry, db, notifier)
	reporter := status.NewReporter(stateSvc, policy, coordinator)

	// Entering normal maintenance kicks off a best-effort invalidation pass;
	// leaving any mode reopens the login gate. Emergency transitions manage
	// both themselves through the procedure handler.
	stateSvc.AddListener(func(oldStatus, newStatus *api.Status) {
		if oldStatus.Mode == newStatus.Mode {
			return
		}
		switch newStatus.Mode {
		case api.ModeNormal:
			go coordinator.BeginPass(context.Background())
		case api.ModeInactive:
			coordinator.SetLoginGate(false)
		}
	})

	var rateLimits *httputil.RateLimits
	if cfg.Maintenance.RateLimiting.Enabled {
		rateLimits = httputil.NewRateLimits(&cfg.Maintenance.RateLimiting)
		defer rateLimits.Stop()
	}

	router := mux.NewRouter().UseEncodedPath()
	routing.Setup(router, &routing.Deps{
		Cfg:        cfg,
		State:      stateSvc,
		Sessions:   coordinator,
		Emergency:  handler,
		Reporter:   reporter,
		DB:         db,
		Resolver:   resolver,
		RateLimits: rateLimits,
	})
	if cfg.Server.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	// Every request to the protected surface passes through the interceptor.
	// The caretaker's own endpoints classify as admin operations and are
	// never blocked.
	icpt := interceptor.New(cls, policy, stateSvc)
	guarded := icpt.Middleware(func(req *http.Request) bool {
		identity, _, ok := req.BasicAuth()
		if !ok {
			return false
		}
		isAdmin, err := resolver.IsAdmin(req.Context(), identity)
		return err == nil && isAdmin
	})(router)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      guarded,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logrus.Infof("Listening on %s", cfg.Server.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logrus.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown failed")
	}

	// Let background work drain so audit events and status writes are not
	// lost on the way out.
	handler.WaitForProcedures()
	coordinator.WaitForPass()
	stateSvc.WaitForPendingWrites()
	logrus.Info("Caretaker shut down cleanly")
}
