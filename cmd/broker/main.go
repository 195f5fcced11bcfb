// Command broker runs a standalone RDMnet broker: the TCP acceptor, the
// client registry and outbound queues, and (unless disabled) an mDNS
// advertisement of the configured scope (spec.md §4.4, §6).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"rdmnet-go/internal/broker"
	"rdmnet-go/internal/client"
	"rdmnet-go/internal/config"
	"rdmnet-go/internal/discovery"
	"rdmnet-go/internal/metrics"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a standalone RDMnet broker",
	Long: `broker runs the RDMnet broker service described in ANSI E1.33: it
accepts RPT client connections, throttles and routes RDM traffic between
them, and optionally advertises itself via mDNS so controllers and
devices configured with a Client can find it without a static address.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBroker,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; without it only RDMNET_ environment variables and defaults apply)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("broker: exiting")
	}
}

func runBroker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	initLogging(cfg.Logging.Level, cfg.Logging.Format)

	brokerCID := rdm.NewCID()
	brokerUID := rdm.UID{Manufacturer: rdm.DynamicUIDRequestBit | 0x7a70, Device: 1}

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		go serveMetrics(cfg.Metrics.Addr, reg)
	}

	svc, err := broker.NewService(broker.Config{
		ListenAddr: cfg.Listen.Addr,
		Scope:      rdm.Scope(cfg.Scope),
		CID:        brokerCID,
		UID:        brokerUID,
		MaxClients: cfg.MaxClients,
	})
	if err != nil {
		return err
	}
	log.Info().Str("addr", svc.Addr().String()).Str("scope", cfg.Scope).Str("cid", brokerCID.String()).Msg("broker: listening")
	go svc.Serve()

	core := transport.NewPollCore()
	core.SetTickObserver(collector.ObserveTick)
	go core.Run()

	var disc *discovery.MDNSAdapter
	if cfg.Discovery.Enabled {
		disc, err = discovery.NewMDNSAdapter(core)
		if err != nil {
			log.Warn().Err(err).Msg("broker: mDNS advertisement disabled, failed to open multicast socket")
		} else {
			instanceName := cfg.Discovery.ServiceInstanceName
			if instanceName == "" {
				instanceName = "rdmnet-broker-" + brokerCID.String()
			}
			_, err := disc.RegisterBroker(discoveryBrokerInfo(cfg, brokerCID, brokerUID, instanceName, svc.Addr().String()))
			if err != nil {
				log.Warn().Err(err).Msg("broker: failed to register mDNS advertisement")
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("broker: shutting down")
	if disc != nil {
		disc.Close()
	}
	core.Stop()
	return svc.Close()
}

func initLogging(level, format string) {
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("broker: serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("broker: metrics server failed")
	}
}

func discoveryBrokerInfo(cfg *config.Config, cid rdm.CID, uid rdm.UID, instanceName, addr string) client.BrokerInfo {
	return client.BrokerInfo{
		CID:                 cid,
		UID:                 uid,
		ServiceInstanceName: instanceName,
		ListenAddrs:         []string{addr},
		Scope:               rdm.Scope(cfg.Scope),
	}
}
