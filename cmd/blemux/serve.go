package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/spf13/cobra"

	"github.com/srg/blemux/internal/gatt"
	"github.com/srg/blemux/internal/gatt/goble"
	"github.com/srg/blemux/internal/sampler"
	"github.com/srg/blemux/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise and serve the GATT multiplexer service",
	Long: `Registers the blemux GATT service with the local Bluetooth adapter,
advertises it, and serves connected centrals until interrupted.

Examples:
  # Serve with defaults (advertised as "blemux", 1s telemetry tick)
  blemux serve

  # Custom name and a faster telemetry tick
  blemux serve --name sensor-42 --interval 500ms

  # Full configuration from a file
  blemux serve --config /etc/blemux.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveDeviceName string
	serveInterval   time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&serveDeviceName, "name", "", "Advertised device name (overrides config)")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "Telemetry publish interval (overrides config)")
}

// buildServeConfig merges the config file with flag overrides.
func buildServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return nil, err
	}
	if serveDeviceName != "" {
		cfg.DeviceName = serveDeviceName
	}
	if serveInterval > 0 {
		cfg.TickInterval = config.Duration(serveInterval)
	}
	if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// buildServiceDefinition returns the stock service, rekeyed to a custom
// service UUID when the config asks for one.
func buildServiceDefinition(cfg *config.Config) (*gatt.ServiceDefinition, error) {
	if cfg.ServiceUUID == "" {
		return gatt.DefaultServiceDefinition(), nil
	}
	u, err := ble.Parse(cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", cfg.ServiceUUID, err)
	}
	return gatt.NewServiceDefinition(u,
		gatt.Duplex(gatt.EchoCharUUID),
		gatt.TelemetrySource(gatt.CPULoadCharUUID, gatt.MetricCPULoad),
		gatt.TelemetrySource(gatt.TemperatureCharUUID, gatt.MetricTemperature),
		gatt.TelemetrySource(gatt.MemoryCharUUID, gatt.MetricMemory),
		gatt.TelemetrySource(gatt.UptimeCharUUID, gatt.MetricUptime),
	), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := buildServeConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	def, err := buildServiceDefinition(cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	transport := goble.NewTransport(cfg.DeviceName, logger)
	smp := sampler.NewSystemSampler(cfg.TempSensorPrefix)
	dispatcher := gatt.NewDispatcher(def, transport, smp, &gatt.DispatcherConfig{
		TickInterval: time.Duration(cfg.TickInterval),
	}, logger)

	fmt.Fprintf(os.Stderr, "%s service %s as %q. Press Ctrl+C to stop...\n",
		color.GreenString("Serving"), def.UUID.String(), cfg.DeviceName)

	if err := dispatcher.Run(ctx); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s\n", color.YellowString("Service stopped"))
	return nil
}
