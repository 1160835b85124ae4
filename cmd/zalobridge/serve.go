package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trungdn/zalobridge/internal/alert"
	"github.com/trungdn/zalobridge/internal/bridge"
	"github.com/trungdn/zalobridge/internal/config"
	"github.com/trungdn/zalobridge/internal/hub"
	"github.com/trungdn/zalobridge/internal/provider"
	"github.com/trungdn/zalobridge/internal/registry"
	"github.com/trungdn/zalobridge/internal/server"
	"github.com/trungdn/zalobridge/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	Long: `Start the zalobridge server: load channels from the hub, bring their
Zalo sessions up in batches, and serve the HTTP API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	hubClient := hub.New(hub.Options{
		BaseURL:        cfg.HubURL,
		AccessToken:    cfg.HubAccessToken,
		InternalToken:  cfg.HubInternalToken,
		DefaultInboxID: cfg.HubInboxID,
	})

	var client provider.Client
	if cfg.MockMode {
		log.Println("mock mode: using simulated Zalo provider")
		client = provider.NewSimulated()
	} else {
		client = provider.NewLive(provider.LiveOptions{
			BaseURL: cfg.ProviderURL,
			WSURL:   cfg.ProviderWSURL,
		})
	}

	loader := store.NewLoader(hubClient, db, cfg.SeedPath)
	reg := registry.New(registry.Config{
		BatchSize:            cfg.BatchSize,
		InterBatchDelay:      cfg.InterBatchDelay,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, client, loader, hubClient)

	br := bridge.New(hubClient, reg, bridge.Options{
		WebhookURL: cfg.WebhookURL,
		Secret:     cfg.WebhookSecret,
	})
	reg.SetInbound(br)
	if notifier := alert.NewSlack(cfg.SlackWebhookURL); notifier != nil {
		reg.SetNotifier(notifier)
	}

	go func() {
		if err := reg.InitializeAll(ctx); err != nil {
			log.Printf("account initialization: %v", err)
		}
	}()

	srv := server.New(server.Options{
		Addr:      cfg.ServerAddr,
		QRTimeout: cfg.QRTimeout,
	}, reg, br, client, hubClient)

	err = srv.Start(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	reg.Shutdown(shutdownCtx)
	return err
}
