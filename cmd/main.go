package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"habitcal/internal/config"
	"habitcal/internal/google"
	"habitcal/internal/models"
	"habitcal/internal/planner"
	"habitcal/internal/server"
	"habitcal/internal/session"
	"habitcal/internal/syncchannel"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "habitcal",
		Usage: "Turn habits into calendar bookings that fit around your existing events.",
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			serveCommand(),
			draftCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				return errors.New("account name cannot be empty")
			}
			tokenFile := google.TokenPath(cfg.Google.TokenDir, accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendars of every authenticated Google account.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

			clients, err := googleClients(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			if len(clients) == 0 {
				return fmt.Errorf("no google accounts found. Run the 'auth' command first")
			}
			for _, client := range clients {
				calendars, err := client.DiscoverGoogleCalendars(c.Context)
				if err != nil {
					logger.Error("Could not list calendars", "account", client.Account(), "error", err)
					continue
				}
				fmt.Printf("%s:\n", client.Account())
				for _, cal := range calendars {
					fmt.Printf("  %-50s %-30s %s\n", cal.ID, cal.Name, cal.Color)
				}
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the session API and the schedule sync channel.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Usage: "Listen port. Overrides PORT."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.Port = c.String("port")
			}
			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			calendars, err := buildCalendars(ctx, logger, cfg)
			if err != nil {
				return err
			}

			hub := syncchannel.NewHub(logger, cfg.OutboxSize)
			toolkit := session.NewToolkit(logger, session.Deps{
				Planner:   newPlanner(logger, cfg),
				Calendars: calendars,
				Store:     st,
				Publisher: hub,
			})
			manager := session.NewManager(ctx, logger, toolkit, st, hub, session.ManagerConfig{
				DefaultTimezone: cfg.PrimaryTimezone,
				InboxSize:       cfg.InboxSize,
			})
			defer manager.Shutdown()

			ws := syncchannel.NewWebSocketHandler(logger, hub, manager, cfg.AllowedOrigin)
			srv := &http.Server{
				Addr:        ":" + cfg.Port,
				Handler:     server.New(logger, manager, ws, cfg.AllowedOrigin).Router(),
				ReadTimeout: 30 * time.Second,
				IdleTimeout: 120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			}
			stop()
			logger.Info("Shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info("Server stopped successfully")
			return nil
		},
	}
}

// draftOutput is what the draft command prints.
type draftOutput struct {
	Draft    *models.DraftSchedule     `json:"draft_schedule"`
	Warnings []models.PlacementWarning `json:"warnings,omitempty"`
	Failures []string                  `json:"calendar_failures,omitempty"`
}

func draftCommand() *cli.Command {
	return &cli.Command{
		Name:  "draft",
		Usage: "Print a draft schedule for a habit plan file. Nothing is written to any calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "plan", Required: true, Usage: "Path to a JSON habit plan."},
			&cli.StringFlag{Name: "month", Usage: "Month to schedule as YYYY-MM. Defaults to the current month."},
			&cli.StringFlag{Name: "timezone", Usage: "IANA timezone. Overrides PRIMARY_TIMEZONE."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

			tz := cfg.PrimaryTimezone
			if c.IsSet("timezone") {
				tz = c.String("timezone")
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("invalid timezone '%s': %w", tz, err)
			}

			plan, err := readPlan(c.String("plan"))
			if err != nil {
				return err
			}

			now := time.Now()
			if plan.CreatedAt.IsZero() {
				plan.CreatedAt = now.In(loc)
			}
			month := c.String("month")
			if month == "" {
				month = now.In(loc).Format(models.MonthLayout)
			}
			window, err := models.MonthWindow(month, loc)
			if err != nil {
				return err
			}

			calendars, err := buildCalendars(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			events, failures, err := calendars.FetchAll(c.Context, window.Extend(24*time.Hour))
			if err != nil {
				return err
			}

			res, err := newPlanner(logger, cfg).Generate(planner.Input{
				Plan:     plan,
				Events:   events,
				Month:    month,
				Timezone: tz,
				Now:      now,
			})
			if err != nil {
				return err
			}

			out := draftOutput{Draft: res.Draft, Warnings: res.Warnings}
			for _, f := range failures {
				out.Failures = append(out.Failures, f.Error())
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

// readPlan accepts either a full HabitPlan or a bare list of habits.
func readPlan(path string) (models.HabitPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.HabitPlan{}, fmt.Errorf("failed to read plan: %w", err)
	}
	var plan models.HabitPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		var habits []models.Habit
		if err2 := json.Unmarshal(data, &habits); err2 != nil {
			return models.HabitPlan{}, fmt.Errorf("failed to parse plan: %w", err)
		}
		plan.Habits = habits
	}
	if err := plan.Validate(); err != nil {
		return models.HabitPlan{}, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

func newPlanner(logger *slog.Logger, cfg *config.Config) *planner.Engine {
	return planner.New(logger, planner.Config{
		CalendarName:  cfg.HabitCalendarName,
		CalendarColor: cfg.HabitCalendarColor,
	})
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
