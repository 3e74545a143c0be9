package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/race"
	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/raceremote"
)

var (
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "racectl",
	Short: "racectl drives a RACE Runtime: start it, inspect it, shut it down",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")
	rootCmd.AddCommand(startCmd, inspectCmd, shutdownCmd)
}

var startCmd = &cobra.Command{
	Use:   "start <config>",
	Short: "Load a configuration and run its Runtime until terminated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		racelog.Init(racelog.Config{Level: racelog.Level(logLevel), JSONOutput: logJSON})

		cfg, err := race.LoadConfig(args[0])
		if err != nil {
			racelog.Errorf("failed to load configuration", err)
			os.Exit(1)
		}

		opts := race.Options{URI: cfg.Listen}
		if storePath := os.Getenv(race.SecretStoreEnvVar); storePath != "" {
			store, err := race.NewFileSecretStore(storePath, os.Getenv(race.SecretStorePassphraseEnvVar))
			if err != nil {
				racelog.Errorf("failed to open secret store", err)
				os.Exit(1)
			}
			opts.SecretStore = store
		}

		rt, err := race.NewRuntime(cfg, race.DefaultRegistry(), opts)
		if err != nil {
			racelog.Errorf("failed to construct runtime", err)
			os.Exit(1)
		}

		fatal := make(chan *race.Error, 1)
		rt.Bus.Subscribe(fatalSink{ch: fatal}, race.ErrorsChannel)

		startCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := rt.Start(startCtx, cfg); err != nil {
			racelog.Errorf("startup failed", err)
			os.Exit(1)
		}

		fmt.Printf("runtime %q listening on %q, entities running\n", cfg.RuntimeName, cfg.Listen)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sig:
			rt.Shutdown(context.Background())
			return nil
		case classified := <-fatal:
			racelog.Errorf("runtime reported a fatal error, shutting down", classified)
			rt.Shutdown(context.Background())
			os.Exit(2)
		}
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <runtime-uri>",
	Short: "Print the lifecycle state of every Entity in a running Runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := controlRequest(args[0], raceremote.KindInspect)
		if err != nil {
			return err
		}
		for name, state := range reply.Body {
			if name == "req_id" {
				continue
			}
			fmt.Printf("%s\t%v\n", name, state)
		}
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown <runtime-uri>",
	Short: "Request a graceful shutdown of a running Runtime (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := controlRequest(args[0], raceremote.KindShutdown)
		if err != nil {
			return err
		}
		fmt.Println("shutdown acknowledged")
		return nil
	},
}

// controlRequest dials addr as a bare control-plane client (no listener
// of its own) and issues a single request/response exchange.
func controlRequest(addr string, kind raceremote.Kind) (raceremote.Message, error) {
	conn := raceremote.New(raceremote.Config{RuntimeURI: "racectl", RuntimeName: "racectl"}, raceremote.Handlers{})
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peer, err := conn.EnsurePeer(ctx, addr)
	if err != nil {
		return raceremote.Message{}, fmt.Errorf("racectl: could not reach %s: %w", addr, err)
	}

	reply, err := peer.Request(raceremote.Message{Kind: kind}, ctx.Done())
	if err != nil {
		return raceremote.Message{}, err
	}
	return reply, nil
}

// fatalSink is a throwaway Handle subscribed only to race.ErrorsChannel:
// start's own process-lifetime decision point, not an addressable Entity.
type fatalSink struct {
	ch chan *race.Error
}

func (f fatalSink) ID() string { return "racectl/fatal-sink" }

func (f fatalSink) Send(msg any) bool {
	ev, ok := msg.(racebus.BusEvent)
	if !ok {
		return true
	}
	if classified, ok := ev.Payload.(*race.Error); ok {
		select {
		case f.ch <- classified:
		default:
		}
	}
	return true
}
