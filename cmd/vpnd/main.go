package main

import (
	"context"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/bravegeek/az-demand-vpn/internal/artifact"
	"github.com/bravegeek/az-demand-vpn/internal/audit"
	"github.com/bravegeek/az-demand-vpn/internal/compute"
	"github.com/bravegeek/az-demand-vpn/internal/httpapi"
	"github.com/bravegeek/az-demand-vpn/internal/ipam"
	"github.com/bravegeek/az-demand-vpn/internal/keys"
	"github.com/bravegeek/az-demand-vpn/internal/ledger"
	"github.com/bravegeek/az-demand-vpn/internal/metrics"
	"github.com/bravegeek/az-demand-vpn/internal/orchestrator"
	"github.com/bravegeek/az-demand-vpn/internal/provision"
	"github.com/bravegeek/az-demand-vpn/internal/reaper"
	"github.com/bravegeek/az-demand-vpn/internal/storage/inmemory"
	"github.com/bravegeek/az-demand-vpn/internal/storage/postgres"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

type Config struct {
	NodeID      string `envconfig:"VPND_NODE_ID,default=vpnd-0"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,default=info"`

	ListenAddr      string `envconfig:"LISTEN_ADDR,default=0.0.0.0:8081"`
	ProbeListenAddr string `envconfig:"PROBE_LISTEN_ADDR,default=0.0.0.0:8080"`

	DatabaseHost     string `envconfig:"DATABASE_HOST,optional"`
	DatabaseUser     string `envconfig:"DATABASE_USER,optional"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD,optional"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT,default=5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME,default=vpnd"`

	RuntimeAddr    string        `envconfig:"COMPUTE_RUNTIME_ADDR"`
	RuntimeTimeout time.Duration `envconfig:"COMPUTE_RUNTIME_TIMEOUT,default=30s"`

	UnitCeiling    int    `envconfig:"UNIT_CEILING,default=3"`
	SessionCeiling int    `envconfig:"SESSION_CEILING,default=3"`
	AddressPool    string `envconfig:"ADDRESS_POOL,default=10.8.0.0/24"`
	ClientDNS      string `envconfig:"CLIENT_DNS,default=1.1.1.1"`

	ReaperInterval time.Duration `envconfig:"REAPER_INTERVAL,default=60s"`

	ArtifactBaseURL string `envconfig:"ARTIFACT_BASE_URL,default=http://localhost:8081"`
	ArtifactSignKey string `envconfig:"ARTIFACT_SIGN_KEY"`

	AuditKafkaAddr  string `envconfig:"AUDIT_KAFKA_ADDR,optional"`
	AuditKafkaTopic string `envconfig:"AUDIT_KAFKA_TOPIC,default=vpn-session-audit"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`
}

// repositories is the union the wiring needs; both storage backends
// implement it.
type repositories interface {
	orchestrator.Store
	ledger.Repository
	ipam.AllocationRepository
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	log.Info().Msgf("running node %s", appCfg.NodeID)

	var repo repositories
	if appCfg.DatabaseHost != "" {
		pgRepo, err := postgres.NewRepo(
			ctx,
			appCfg.DatabaseUser,
			appCfg.DatabasePassword,
			appCfg.DatabaseHost,
			appCfg.DatabasePort,
			appCfg.DatabaseName,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init postgres repository")
		}
		repo = pgRepo
	} else {
		log.Warn().Msg("no database configured, running on in-memory store")
		repo = inmemory.NewStore()
	}

	pool, err := netip.ParsePrefix(appCfg.AddressPool)
	if err != nil {
		log.Fatal().Err(err).Msgf("failed to parse address pool %q", appCfg.AddressPool)
	}
	allocator, err := ipam.New(repo, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create ip allocator")
	}

	var m metrics.Metrics = metrics.NewNoop()
	if appCfg.StatsdAddr != "" {
		m = metrics.NewStatsd(appCfg.NodeID, appCfg.StatsdAddr)
	}

	var auditRec audit.Recorder = audit.NewLogRecorder(log.Logger)
	if appCfg.AuditKafkaAddr != "" {
		publisher := audit.NewKafkaPublisher(
			appCfg.AuditKafkaAddr,
			appCfg.AuditKafkaTopic,
			1024,
			auditRec,
		)
		go publisher.Run(ctx)
		defer publisher.Close()
		auditRec = publisher
	}

	var provisioner provision.Provisioner = compute.NewClient(appCfg.RuntimeAddr, appCfg.RuntimeTimeout)
	driver := provision.NewDriver(provisioner)

	capLedger := ledger.New(repo, appCfg.UnitCeiling, appCfg.SessionCeiling)

	publisher := artifact.NewPublisher(
		appCfg.ArtifactBaseURL,
		[]byte(appCfg.ArtifactSignKey),
		artifact.DefaultValidity,
	)

	orch := orchestrator.New(
		repo,
		capLedger,
		allocator,
		driver,
		provisioner,
		keys.NewIssuer(),
		publisher,
		auditRec,
		m,
		appCfg.ClientDNS,
		log.Logger,
	)

	idleReaper := reaper.New(orch, appCfg.ReaperInterval, m, auditRec, log.Logger)
	go idleReaper.Run(ctx)

	apiServer := &http.Server{
		Addr:    appCfg.ListenAddr,
		Handler: httpapi.NewServer(orch).Handler(),
	}
	go func() {
		log.Info().Msgf("api listening on %s", appCfg.ListenAddr)
		err := apiServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start api server")
		}
	}()

	serverClose := startProbeServer(appCfg.ProbeListenAddr)
	defer serverClose()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

func startProbeServer(addr string) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	srv := http.Server{
		Handler: mux,
		Addr:    addr,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start probe server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
