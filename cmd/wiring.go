package main

import (
	"context"
	"fmt"
	"log/slog"

	"habitcal/internal/config"
	"habitcal/internal/google"
	"habitcal/internal/icloud"
	"habitcal/internal/session"
	"habitcal/internal/store"
)

// openStore opens the configured persistence backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreFile:
		return store.NewFileStore(cfg.StateDir)
	default:
		return store.NewSQLite(cfg.DBPath)
	}
}

// googleClients loads a client for every account with a saved token.
func googleClients(ctx context.Context, logger *slog.Logger, cfg *config.Config) ([]*google.CalendarClient, error) {
	accounts, err := google.GetTokenAccounts(cfg.Google.TokenDir)
	if err != nil {
		return nil, fmt.Errorf("could not look for google accounts in %s: %w", cfg.Google.TokenDir, err)
	}

	var clients []*google.CalendarClient
	for _, acc := range accounts {
		client, err := google.NewClient(ctx, logger, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.TokenDir, acc, cfg.Google.WriteCalendarID)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client for account %s: %w", acc, err)
		}
		clients = append(clients, client)
	}
	logger.Info("Initialized Google clients for all accounts.", "count", len(clients))
	return clients, nil
}

// buildCalendars wires every configured calendar as a read source and picks the write target.
func buildCalendars(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*session.Calendars, error) {
	gClients, err := googleClients(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}

	var sources []session.Source
	for _, client := range gClients {
		sources = append(sources, session.Source{
			Name:        "google:" + client.Account(),
			Reader:      client,
			CalendarIDs: cfg.Google.CalendarIDs,
		})
	}

	var iClient *icloud.CalDAVClient
	if cfg.ICloud.Enabled() && cfg.ICloud.CalendarName != "" {
		iClient, err = icloud.NewClient(ctx, logger, icloud.Options{
			Username:      cfg.ICloud.Username,
			Password:      cfg.ICloud.Password,
			CalendarName:  cfg.ICloud.CalendarName,
			CalendarColor: cfg.ICloud.CalendarColor,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create icloud client: %w", err)
		}
		sources = append(sources, session.Source{
			Name:        "icloud",
			Reader:      iClient,
			CalendarIDs: []string{iClient.CalendarID()},
		})
	}

	var writer session.CalendarWriter
	switch cfg.WriteTarget {
	case config.WriteTargetICloud:
		if iClient != nil {
			writer = iClient
		}
	default:
		if len(gClients) > 0 {
			writer = gClients[0]
		}
	}
	if writer == nil {
		logger.Warn("No calendar to write to; confirming drafts will fail until one is configured", "write_target", cfg.WriteTarget)
	}
	if len(sources) == 0 {
		logger.Warn("No calendars configured; drafts will not account for existing events")
	}

	return session.NewCalendars(logger, sources, writer, cfg.FetchConcurrency), nil
}
