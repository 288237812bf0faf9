// beacon is the telemetry agent. It reads JSON-lines events from stdin and
// delivers them to telemetryd through a durable, Badger-backed pipeline.
//
//	echo '{"name":"app_open","userId":"u1"}' | beacon --endpoint http://localhost:8080 --token $TOKEN
//	beacon --delete-user u1
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"beacon/internal/config"
	"beacon/internal/logger"
	"beacon/internal/models"
	"beacon/internal/pipeline"
	"beacon/internal/storage"
	"beacon/internal/transport"
)

const userAgent = "beacon-agent/1"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		endpoint   string
		token      string
		dataDir    string
		inMemory   bool
		deleteUser string
		deviceID   string
	)

	flags := pflag.NewFlagSet("beacon", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config (default: $CONFIG_PATH or ./beacon.yaml)")
	flags.StringVar(&endpoint, "endpoint", "", "telemetryd base URL (overrides transport.endpoint)")
	flags.StringVar(&token, "token", "", "bearer token (overrides transport.token)")
	flags.StringVar(&dataDir, "data-dir", "", "queue directory (overrides storage.path)")
	flags.BoolVar(&inMemory, "in-memory", false, "keep the queue in memory only")
	flags.StringVar(&deleteUser, "delete-user", "", "purge this user's telemetry locally and on the server, then exit")
	flags.StringVar(&deviceID, "device", "", "device id for events that carry none (default: hostname)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if endpoint != "" {
		cfg.Transport.Endpoint = endpoint
	}
	if token != "" {
		cfg.Transport.Token = token
	}
	if dataDir != "" {
		cfg.Storage.Path = dataDir
	}
	if inMemory {
		cfg.Storage.InMemory = true
	}
	if deviceID == "" {
		deviceID, _ = os.Hostname()
	}

	logger.Init("beacon", cfg.Log.Level)
	log := logger.WithComponent("beacon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := storage.OpenBadger(cfg.BadgerOptions())
	if err != nil {
		return err
	}
	defer kv.Close()

	client, err := transport.New(cfg.TransportOptions(userAgent))
	if err != nil {
		return err
	}

	p, err := pipeline.New(ctx, cfg.PipelineOptions(), kv, client)
	if err != nil {
		return err
	}
	p.Start(ctx)
	defer func() {
		if err := p.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()

	if deleteUser != "" {
		return p.DeleteUser(ctx, deleteUser)
	}

	defaults := models.Identity{SessionID: uuid.NewString(), DeviceID: deviceID}
	n, err := trackLines(ctx, os.Stdin, p, defaults)
	if err != nil {
		return err
	}

	res := <-p.FlushNow(ctx)
	st := p.Stats()
	log.Info().
		Int("read", n).
		Int("delivered_batches", res.Delivered).
		Int("queued", st.QueueSize).
		Int("dead_letters", st.DeadLetters).
		Msg("input consumed")
	return nil
}

// tracker is the part of *pipeline.Pipeline the reader needs.
type tracker interface {
	TrackEvent(ev models.Event)
}

// trackLines tracks one JSON event per line. Blank lines are skipped;
// malformed lines are logged and skipped. Identity fields missing on an
// event are taken from defaults.
func trackLines(ctx context.Context, r io.Reader, t tracker, defaults models.Identity) (int, error) {
	log := logger.WithComponent("beacon")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	tracked, line := 0, 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return tracked, err
		}
		line++

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Warn().Err(err).Int("line", line).Msg("skipping malformed event")
			continue
		}
		if ev.SessionID == "" {
			ev.SessionID = defaults.SessionID
		}
		if ev.DeviceID == "" {
			ev.DeviceID = defaults.DeviceID
		}
		if ev.UserID == "" {
			ev.UserID = defaults.UserID
		}

		t.TrackEvent(ev)
		tracked++
	}
	if err := scanner.Err(); err != nil {
		return tracked, fmt.Errorf("read input: %w", err)
	}
	return tracked, nil
}
