package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/smartreach/internal/classify"
	"github.com/brandon/smartreach/internal/config"
	"github.com/brandon/smartreach/internal/correlate"
	"github.com/brandon/smartreach/internal/dispatch"
	"github.com/brandon/smartreach/internal/mail"
	"github.com/brandon/smartreach/internal/notify"
	"github.com/brandon/smartreach/internal/pipeline"
	"github.com/brandon/smartreach/internal/policy"
	"github.com/brandon/smartreach/internal/poller"
	"github.com/brandon/smartreach/internal/store"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	runOnce     = flag.Bool("once", false, "Run a single poll cycle and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("smartreach version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting SmartReach reply tracker")

	// Initialize store
	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	// Mailbox clients
	imapClient := mail.NewIMAPClient(&cfg.Account, cfg.CallTimeout, logger)
	defer imapClient.Close()
	smtpClient := mail.NewSMTPClient(&cfg.Account, cfg.CallTimeout, logger)

	// AI classifier
	classifier, err := classify.NewGenAIClassifier(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.ProductOffer, cfg.ProductDescription, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create classifier")
	}
	defer classifier.Close()

	// Pipeline components
	correlator := correlate.NewCorrelator(st, logger)
	engine := policy.NewEngine(cfg.AutoConfidenceThreshold, cfg.MaxAutoTurnsPerThread)
	notifier := notify.NewNotifier(st, smtpClient, cfg.NotifyEmail, cfg.RetryMaxAttempts, cfg.RetryBackoffBase, logger)
	dispatcher := dispatch.NewDispatcher(st, smtpClient, senderDomain(cfg), cfg.RetryMaxAttempts, cfg.RetryBackoffBase, logger)

	pipe := pipeline.New(st, correlator, classifier, engine, dispatcher, notifier, pipeline.Options{
		ContextWindowSize:  cfg.ContextWindowSize,
		RetryMaxAttempts:   cfg.RetryMaxAttempts,
		RetryBackoffBase:   cfg.RetryBackoffBase,
		CallTimeout:        cfg.CallTimeout,
		MaxParallelThreads: cfg.MaxParallelThreads,
	}, logger)

	p := poller.New(imapClient, st, pipe, poller.Options{
		Interval:         cfg.PollInterval,
		MailboxName:      cfg.Account.Mailbox,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBackoffBase: cfg.RetryBackoffBase,
	}, logger)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if *runOnce {
		go func() {
			<-sigChan
			cancel()
		}()
		p.Cycle(ctx)
		logger.Info("Single cycle complete")
		return
	}

	// Run poller in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	case err := <-errChan:
		logger.WithError(err).Error("Poller error")
		cancel()
	}

	logger.Info("Shutting down SmartReach reply tracker")
}

// senderDomain derives the Message-ID domain from the SMTP account address
func senderDomain(cfg *config.Config) string {
	if _, domain, found := strings.Cut(cfg.Account.SMTPUsername, "@"); found && domain != "" {
		return domain
	}
	return ""
}
