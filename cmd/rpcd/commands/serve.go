package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oncrpc-go/rpcd/internal/config"
	"github.com/oncrpc-go/rpcd/internal/logger"
	"github.com/oncrpc-go/rpcd/internal/portmap"
	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth/gss"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth/sys"
	"github.com/oncrpc-go/rpcd/internal/rpc/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rpcd RPC server",
	Long: `Run an RFC 5531 ONC-RPC server over TCP and/or UDP.

The reference program served is the portmapper itself (program 100000,
version 2): rpcd dispatches NULL/SET/UNSET/GETPORT/DUMP against its own
in-memory registry, the same program internal/portmap.Client targets.
AUTH_NONE and AUTH_SYS are always accepted; RPCSEC_GSS is enabled per the
configuration file's server.gss_session_manager section.

Use "rpcd register"/"rpcd unregister" to publish a separately running RPC
program with a portmapper without running rpcd's own reference service.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logger.Info("starting rpcd", "version", Version, "commit", Commit)
	logger.Info("configuration loaded", "program", cfg.Server.Program, "version", cfg.Server.Version, "protocols", cfg.Server.Protocols)

	registry := rpc.NewRegistry()
	registry.Register(rpc.ProgramKey{Program: cfg.Server.Program, Version: cfg.Server.Version}, portmap.NewHandler(portmap.NewRegistry()))

	metrics := rpc.NewMetrics(nil)
	dispatcher := rpc.NewDispatcher(registry, metrics, 64)

	pipeline, err := buildPipeline(cfg)
	if err != nil {
		return fmt.Errorf("build auth pipeline: %w", err)
	}

	srvCfg := server.Config{
		MaxRecordSize: cfg.Server.MaxRecordSize,
		UDPWorkers:    cfg.Server.WorkerThreadCount,
		Timeouts: server.Timeouts{
			Read:     cfg.Server.Timeouts.Read,
			Write:    cfg.Server.Timeouts.Write,
			Idle:     cfg.Server.Timeouts.Idle,
			Shutdown: cfg.Server.Timeouts.Shutdown,
		},
	}
	if cfg.Server.Protocols == config.ProtocolTCP || cfg.Server.Protocols == config.ProtocolBoth {
		srvCfg.TCPAddr = fmt.Sprintf(":%d", listenPort(cfg))
	}
	if cfg.Server.Protocols == config.ProtocolUDP || cfg.Server.Protocols == config.ProtocolBoth {
		srvCfg.UDPAddr = fmt.Sprintf(":%d", listenPort(cfg))
	}
	if cfg.Server.Portmap.Enabled() {
		srvCfg.Portmap = &server.PortmapRegistration{
			Client:  portmap.NewClient(cfg.Server.Portmap.Address, "tcp"),
			Program: cfg.Server.Program,
			Version: cfg.Server.Version,
		}
	}

	srv := server.New(srvCfg, dispatcher, pipeline, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("rpcd is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		srv.Stop()
		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", "error", err)
			return err
		}
		logger.Info("rpcd stopped gracefully")
		return nil

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
		logger.Info("rpcd stopped")
		return nil
	}
}

// listenPort resolves the fixed or ranged port cfg.Server names. A port
// range is honored by binding the low end; a production deployment with a
// dynamic range relies on the OS/portmapper to steer clients to whichever
// port actually ends up bound.
func listenPort(cfg *config.Config) int {
	if cfg.Server.Port != 0 {
		return cfg.Server.Port
	}
	return cfg.Server.PortRangeLow
}

// buildPipeline wires AUTH_NONE unconditionally, AUTH_SYS unconditionally
// (it carries no secret to withhold), and RPCSEC_GSS only if
// server.gss_session_manager.enabled is set. With GSS enabled, a keytab
// that cannot be loaded is returned as an error.
func buildPipeline(cfg *config.Config) (*auth.Pipeline, error) {
	pipeline := auth.NewPipeline()
	pipeline.Register(rpc.AuthNone, auth.NoneFilter{})
	pipeline.Register(rpc.AuthSys, sys.Filter{})

	if cfg.Server.GSSSessionManager.Enabled {
		provider, err := gss.NewKeytabProvider(
			cfg.Server.GSSSessionManager.KeytabPath,
			cfg.Server.GSSSessionManager.ServicePrincipal,
			5*time.Minute,
		)
		if err != nil {
			return nil, fmt.Errorf("load keytab: %w", err)
		}
		verifier := gss.NewKrb5Verifier(provider)
		contexts := gss.NewContextStore(1024, cfg.Server.GSSSessionManager.ContextTTL)
		gssMetrics := gss.NewMetrics(nil)
		filter := gss.NewFilter(verifier, contexts, gssMetrics)
		if cfg.Server.GSSSessionManager.SeqWindowSize != 0 {
			filter.SeqWindowSize = cfg.Server.GSSSessionManager.SeqWindowSize
		}
		pipeline.Register(rpc.AuthRPCSECGSS, filter)
		logger.Info("RPCSEC_GSS enabled", "service_principal", cfg.Server.GSSSessionManager.ServicePrincipal)
	} else {
		logger.Info("RPCSEC_GSS disabled")
	}

	return pipeline, nil
}
