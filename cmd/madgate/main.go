// Command madgate runs the temporary-mailbox gateway: HTTP API, inbound
// SMTP receiver and the POP3 fetch pipeline, all in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/api"
	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/crypto"
	"github.com/themadorg/madgate/internal/endpoint/smtp"
	"github.com/themadorg/madgate/internal/fetch"
	"github.com/themadorg/madgate/internal/mailparse"
	"github.com/themadorg/madgate/internal/pop3"
	"github.com/themadorg/madgate/internal/store"
	"github.com/themadorg/madgate/internal/token"
)

// Version is set at build time via -ldflags.
var Version = "unknown"

func main() {
	app := cli.NewApp()
	app.Name = "madgate"
	app.Usage = "disposable mailbox gateway over POP3 providers and local domains"
	app.Version = Version
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "start the gateway",
			Flags:  config.Flags(),
			Action: run,
		},
	}
	// Bare ./madgate starts the server too.
	app.Flags = config.Flags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromCLI(c)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("starting madgate",
		zap.String("version", Version),
		zap.String("env", string(cfg.Env)))

	keyring, err := crypto.NewKeyring(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	st, err := store.Open(cfg.DB, keyring, logger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	issuer := token.NewIssuer(st, cfg.Token, logger.Named("token"))
	sweeper := token.NewSweeper(st, cfg.Token.SweepInterval, logger.Named("sweeper"))
	sweeper.Start()

	pool := pop3.NewPool(pop3.PoolConfig{
		MaxConcurrent:  cfg.POP3.MaxConcurrent,
		MaxRetries:     cfg.POP3.MaxRetries,
		RetryBase:      cfg.POP3.RetryBase,
		ConnectTimeout: cfg.POP3.ConnectTimeout,
		CommandTimeout: cfg.POP3.CommandTimeout,
		ThrottleWindow: cfg.POP3.ThrottleWindow,
	}, logger.Named("pop3"))

	parser := mailparse.New(cfg.MaxAttachmentBytes, logger.Named("mailparse"))

	queue := fetch.NewQueue(st, pool, parser, cfg.Fetch, logger.Named("fetch"))
	queue.Start()

	var receiver *smtp.Endpoint
	if cfg.SMTP.Enabled {
		receiver = smtp.NewEndpoint(st, parser, cfg.SMTP, cfg.DomainRefresh, logger.Named("smtp"))
		if err := receiver.Start(c.Context); err != nil {
			return fmt.Errorf("SMTP receiver: %w", err)
		}
	}

	server := api.NewServer(st, issuer, queue, cfg, logger.Named("api"))
	if err := server.Start(); err != nil {
		return fmt.Errorf("HTTP API: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", zap.String("signal", s.String()))

	// Stop accepting first, then drain the background work, then let the
	// deferred store.Close run.
	if receiver != nil {
		if err := receiver.Stop(); err != nil {
			logger.Warn("SMTP shutdown", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	queue.Stop()
	sweeper.Stop()

	logger.Info("bye")
	return nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Env == config.Development {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zcfg.Build()
}
