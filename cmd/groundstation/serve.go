package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/groundstation/internal/dispatch"
	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/logging"
	"github.com/shaunagostinho/groundstation/internal/server"
	"github.com/shaunagostinho/groundstation/internal/station"
	"github.com/shaunagostinho/groundstation/internal/store"
)

var (
	serveConfig string
	serveListen string
	serveDevice string
	serveBaud   int
	serveDemo   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ground station API and live event server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig(serveConfig)
		if err != nil {
			return err
		}

		// Flags override file and environment
		if serveDemo {
			cfg.Serial.Demo = true
			if cfg.Serial.Device == "" {
				cfg.Serial.Device = link.DemoDevice
			}
		}
		if serveDevice != "" {
			cfg.Serial.Device = serveDevice
		}
		if serveBaud > 0 {
			cfg.Serial.Baud = serveBaud
		}
		if serveListen != "" {
			cfg.Server.ListenAddr = serveListen
		}

		snap := cfg.Snapshot()
		logging.Init("groundstation", snap.Log)
		log := logging.Component("main")
		log.Info().Str("config", serveConfig).Msg("groundstation starting")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, snap)
	},
}

func serve(ctx context.Context, cfg *server.Config, snap server.Snapshot) error {
	log := logging.Component("main")
	hub := server.NewHub(logging.Component("ws"))

	var sinks []dispatch.Sink
	var greptime *store.Greptime
	if snap.Storage.Greptime.Enabled() {
		g, err := store.NewGreptime(snap.Storage.Greptime, logging.Component("greptime"))
		if err != nil {
			log.Warn().Err(err).Msg("time-series sink unavailable, continuing without it")
		} else {
			greptime = g
			sinks = append(sinks, g)
		}
	}

	st := station.New(station.Config{
		TeamID: snap.Team.ID,
		Accept: snap.Team.Accept,
		Link: link.Config{
			MaxFrame:   snap.Serial.MaxFrameBytes,
			Demo:       snap.Serial.Demo,
			DemoTeamID: snap.Team.ID,
		},
		UplinkInterval: snap.UplinkInterval(),
		FlightLog:      snap.FlightLog,
		ExportDir:      snap.Export.Dir,
	}, hub, sinks...)

	srv := server.New(cfg, st, hub)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if greptime != nil {
		g.Go(func() error { return greptime.Run(ctx) })
	}

	// Start without a device when it is absent; the API can connect later
	if snap.Serial.Device != "" {
		if _, err := st.Connect(snap.Serial.Device, snap.Serial.Baud); err != nil {
			log.Warn().Err(err).Str("device", snap.Serial.Device).Msg("initial connect failed")
		}
	}

	err := g.Wait()
	log.Info().Msg("shut down")
	return err
}

func init() {
	serveCmd.Flags().StringVar(&serveConfig, "config", "/etc/groundstation/config.yaml", "Path to config file (.yaml or .toml)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Override listen address (e.g. :8080)")
	serveCmd.Flags().StringVar(&serveDevice, "device", "", "Serial device to connect on startup")
	serveCmd.Flags().IntVar(&serveBaud, "baud", 0, "Override baud rate")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Enable the simulated CanSat device")
}
