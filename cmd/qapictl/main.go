// Command qapictl runs QMP and guest agent commands against a configured
// machine and can stream monitor events.
//
// Usage:
//
//	qapictl [-machine name] [flags] COMMAND [JSON_ARGS]
//	qapictl [-machine name] -watch
//
// Machines come from the TOML inventory (see internal/config) or from
// QAPICTL_SOCKET / QAPICTL_NETWORK / QAPICTL_PROTOCOL.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmkit/qapi/internal/config"
	"github.com/vmkit/qapi/qapi"
	"github.com/vmkit/qapi/qga"
	"github.com/vmkit/qapi/qmp"
	"github.com/vmkit/qapi/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (default $QAPICTL_CONFIG or ~/.config/qapictl/config.toml)")
		machine    = flag.String("machine", "", "machine name from the config inventory")
		watch      = flag.Bool("watch", false, "stream monitor events until interrupted (QMP only)")
		timeout    = flag.Duration("timeout", 30*time.Second, "per-command timeout")
		verbose    = flag.Bool("v", false, "trace wire traffic")
	)
	flag.Parse()

	logger := initLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading config")
	}
	m, err := cfg.Resolve(*machine)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolving machine")
	}

	if err := run(logger, m, *watch, *timeout, flag.Args()); err != nil {
		logger.Fatal().Err(err).Msg("qapictl failed")
	}
}

func initLogger(verbose bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.TraceLevel
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func run(logger zerolog.Logger, m config.Machine, watch bool, timeout time.Duration, args []string) error {
	stream, err := transport.Dial(m.Network, m.Socket)
	if err != nil {
		return err
	}

	cmd, err := parseCommand(args, watch)
	if err != nil {
		stream.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if m.Protocol == "qga" {
		if watch {
			stream.Close()
			return fmt.Errorf("the guest agent has no events to watch")
		}
		client, err := qga.Connect(stream, qapi.WithLogger(logger))
		if err != nil {
			return err
		}
		defer client.Close()
		return execute(ctx, client, cmd)
	}

	client, err := qmp.Connect(ctx, stream, qapi.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()
	v := client.Greeting().Version.QEMU
	logger.Info().Msgf("connected to QEMU %d.%d.%d", v.Major, v.Minor, v.Micro)

	if watch {
		return watchEvents(logger, client)
	}
	return execute(ctx, client, cmd)
}

func parseCommand(args []string, watch bool) (*qapi.Raw, error) {
	if watch {
		if len(args) != 0 {
			return nil, fmt.Errorf("-watch takes no command")
		}
		return nil, nil
	}
	switch len(args) {
	case 1:
		return &qapi.Raw{Name: args[0]}, nil
	case 2:
		var parsed any
		if err := json.Unmarshal([]byte(args[1]), &parsed); err != nil {
			return nil, fmt.Errorf("parsing command arguments: %w", err)
		}
		return &qapi.Raw{Name: args[0], Args: parsed}, nil
	default:
		return nil, fmt.Errorf("usage: qapictl [flags] COMMAND [JSON_ARGS]")
	}
}

func execute(ctx context.Context, e qapi.Executor, cmd *qapi.Raw) error {
	ret, err := e.Execute(ctx, *cmd)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(ret, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func watchEvents(logger zerolog.Logger, client *qmp.Client) error {
	events, cancel := client.Events()
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("connection closed")
			}
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		case sig := <-sigCh:
			logger.Info().Msgf("received signal %s, shutting down", sig)
			return nil
		}
	}
}
