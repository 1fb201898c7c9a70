package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rosrelay/config"
	"rosrelay/daemon"
	"rosrelay/infra/iothub"
	"rosrelay/infra/sqlite"
	"rosrelay/internal/bus/membus"
	"rosrelay/internal/logging"
	"rosrelay/relay"

	"github.com/spf13/cobra"
)

const envConnectionString = "ROSRELAY_CONNECTION_STRING"

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	var connString string
	var statePath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "rosrelayd",
		Short: "Relay daemon between a local message bus and Azure IoT Hub",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath, connString, statePath, debug)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath, "Config file path")
	cmd.Flags().StringVar(&connString, "connection-string", "", "IoT Hub device connection string")
	cmd.Flags().StringVar(&statePath, "state", "", "Relay state database path")
	cmd.AddCommand(relaysCmd(&cfgPath))
	return cmd
}

// loadConfig reads the config file and applies the flag and environment
// overrides on top. Flags win over the file, so --debug forces debug
// logging regardless of the file's log_level.
func loadConfig(path, connString, statePath string, debug bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if connString == "" {
		connString = os.Getenv(envConnectionString)
	}
	if connString != "" {
		cfg.ConnectionString = connString
	}
	if statePath != "" {
		cfg.StatePath = statePath
	}
	if debug {
		cfg.LogLevel = logging.LevelDebug
	}
	if err := logging.Configure(cfg.LogLevel); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	// A bad connection string is unrecoverable; fail before touching
	// anything else.
	cs, err := iothub.ParseConnString(cfg.ConnectionString)
	if err != nil {
		return err
	}

	bus := membus.New(membus.WithTextCodec(cfg.Codec()))
	for _, mt := range cfg.Types {
		fields := make(map[string]membus.Kind, len(mt.Fields))
		for name, kind := range mt.Fields {
			k, err := membus.ParseKind(kind)
			if err != nil {
				return fmt.Errorf("type %s: %w", mt.Name, err)
			}
			fields[name] = k
		}
		if err := bus.RegisterType(membus.Type{Name: mt.Name, Fields: fields}); err != nil {
			return err
		}
	}

	store, err := sqlite.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	transport := iothub.NewTransport(cs, relay.RealClock{}, slog.Default())
	d, err := daemon.New(cfg, bus, transport, store, slog.Default())
	if err != nil {
		return err
	}

	skew := iothub.NewSkewChecker(relay.RealClock{}, slog.Default())
	go skew.Run(ctx)

	return d.Run(ctx)
}
