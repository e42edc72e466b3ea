// Command satsukid runs the subdomain delegation control plane: it
// loads configuration, opens the label store, wires two PowerDNS
// clients and the orchestrator sitting between them, then serves the
// HTTP/JSON API and Prometheus metrics until terminated.
//
// Grounded on jizhuozhi-hermes's cmd/server/main.go for the
// config-then-deps-then-listen startup order and its graceful shutdown
// on SIGINT/SIGTERM, and on kubernetes-sigs-external-dns's main.go for
// the logrus level/format wiring.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satsukid/satsukid/internal/api"
	"github.com/satsukid/satsukid/internal/auth"
	"github.com/satsukid/satsukid/internal/config"
	"github.com/satsukid/satsukid/internal/label"
	"github.com/satsukid/satsukid/internal/metrics"
	"github.com/satsukid/satsukid/internal/orchestrator"
	"github.com/satsukid/satsukid/internal/pdnsclient"
	"github.com/satsukid/satsukid/internal/store"
	"github.com/satsukid/satsukid/internal/zonealgebra"
)

func main() {
	configPath := flag.String("config", "satsukid.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}

	configureLogging(cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logrus.WithError(err).Fatal("opening label store")
	}
	defer st.Close()

	baseClient := pdnsclient.New("base", cfg.BasePDNS.URL, cfg.BasePDNS.ServerID, cfg.BasePDNS.APIKey, http.DefaultClient)
	subClient := pdnsclient.New("sub", cfg.SubPDNS.URL, cfg.SubPDNS.ServerID, cfg.SubPDNS.APIKey, http.DefaultClient)

	orch := orchestrator.New(baseClient, subClient, st, cfg.BaseDomain, cfg.InternalNS, cfg.SOATemplate)
	authenticator := auth.New(st)
	policy := label.NewPolicy(cfg.DisallowedLabels)
	if len(cfg.DisallowedLabels) == 0 {
		policy = label.DefaultPolicy()
	}

	server := api.NewServer(orch, st, authenticator, policy, cfg.BaseDomain)
	apexName := cfg.BaseDomain + "."
	registry := metrics.New(func() (float64, error) {
		delegations, err := orch.ListDelegations(context.Background())
		if err != nil {
			return 0, err
		}
		count := 0
		for _, d := range delegations {
			if zonealgebra.IsApex(d.Name, apexName) {
				continue
			}
			count++
		}
		return float64(count), nil
	})

	router := server.Router()
	router.Handle("/metrics", registry.Handler()).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	go func() {
		logrus.WithField("addr", cfg.ListenAddress).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("serving HTTP")
		}
	}()

	waitForShutdown(httpServer)
}

func configureLogging(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func waitForShutdown(srv *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("graceful shutdown failed")
	}
}
