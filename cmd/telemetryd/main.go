// telemetryd is the ingestion and deletion server for beacon telemetry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"beacon/internal/auth"
	"beacon/internal/config"
	"beacon/internal/kafka"
	"beacon/internal/logger"
	"beacon/internal/server"
	"beacon/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, issueSubject, issueRole string

	flags := pflag.NewFlagSet("telemetryd", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config (default: $CONFIG_PATH or ./beacon.yaml)")
	flags.StringVar(&issueSubject, "issue-token", "", "print a signed token for this subject and exit")
	flags.StringVar(&issueRole, "role", "", "role claim for --issue-token (admin, privacy)")
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
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	logger.Init("telemetryd", cfg.Log.Level)
	log := logger.WithComponent("telemetryd")

	authn, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	if issueSubject != "" {
		token, err := authn.IssueToken(issueSubject, issueRole)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	var producer *kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
		if err != nil {
			st.Close()
			return fmt.Errorf("init kafka producer: %w", err)
		}
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("kafka forwarding enabled")
	}

	srv, err := server.New(cfg, st, authn, producer)
	if err != nil {
		st.Close()
		return err
	}
	return srv.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	log := logger.WithComponent("telemetryd")

	if cfg.Server.DatabaseURL == "" {
		log.Warn().Msg("no database configured, events are kept in memory only")
		return store.NewMemory(), nil
	}

	pg, err := store.NewPostgres(ctx, cfg.Server.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	log.Info().Msg("postgres store ready")
	return pg, nil
}
