package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"activitysync/internal/api"
	"activitysync/internal/cache"
	"activitysync/internal/config"
	"activitysync/internal/google"
	"activitysync/internal/logging"
	"activitysync/internal/models"
	"activitysync/internal/retry"
	"activitysync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "activitysync",
		Usage: "Sync Google Calendar events and Meet attendance into Redis.",
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "activitysync: %v\n", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google Workspace admin account and store the token.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			logger.Info().Msg("Starting Google authentication flow")

			oauthConfig, err := google.GetOAuthConfig(cfg.Google.CredentialsFile)
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

			if err := google.SaveToken(cfg.Google.TokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info().Str("file", cfg.Google.TokenFile).Msg("Successfully authenticated and saved token")
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Pull calendar and attendance history into the cache.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.IntFlag{Name: "watch", Value: 3600, Usage: "Run sync every N seconds. Cannot be combined with --once."},
			&cli.IntFlag{Name: "days", Value: 7, Usage: "Pull the last N days when --from is not set."},
			&cli.TimestampFlag{Name: "from", Layout: time.RFC3339, Usage: "Start of the window (RFC 3339)."},
			&cli.TimestampFlag{Name: "to", Layout: time.RFC3339, Usage: "End of the window (RFC 3339), defaults to now."},
		},
		Action: func(c *cli.Context) error {
			if err := checkRunMode(c.Bool("once"), c.IsSet("watch")); err != nil {
				return err
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, rdb, err := buildSyncer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			window := func() (models.Window, error) {
				now := time.Now().UTC()
				w := models.Window{Start: now.AddDate(0, 0, -c.Int("days")), End: now}
				if from := c.Timestamp("from"); from != nil {
					w.Start = from.UTC()
				}
				if to := c.Timestamp("to"); to != nil {
					w.End = to.UTC()
				}
				return syncer.ClampToRetention(w, now, cfg.Google.Retention)
			}

			if c.IsSet("watch") {
				interval := time.Duration(c.Int("watch")) * time.Second
				logger.Info().Dur("interval", interval).Msg("Starting watcher")
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				watch(ctx, logger, ticker.C, window, s.PullCalendarHistory)
				return nil
			}

			// --once is the default behavior if --watch is not set
			logger.Info().Msg("Running a single sync cycle")
			w, err := window()
			if err != nil {
				return err
			}
			if err := s.PullCalendarHistory(ctx, w); err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

// checkRunMode rejects a sync invocation that asks for both run modes.
func checkRunMode(once, watchSet bool) error {
	if once && watchSet {
		return errors.New("--once and --watch cannot be used together")
	}
	return nil
}

// watch runs a sync cycle now and on every tick until ctx is done. A window
// that cannot be computed is logged and the cycle skipped until the next tick.
func watch(ctx context.Context, logger zerolog.Logger, tick <-chan time.Time, window func() (models.Window, error), pull func(context.Context, models.Window) error) {
	for {
		w, err := window()
		if err != nil {
			logger.Error().Err(err).Msg("Skipping sync cycle, invalid window")
		} else {
			// Failures are logged by the pipeline; the next tick retries.
			_ = pull(ctx, w)
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("Watcher stopped")
			return
		case <-tick:
		}
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the cached data and the sync trigger over HTTP.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, rdb, err := buildSyncer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			srv := api.NewServer(logger, s, cache.NewReader(rdb), api.Options{
				Addr:            cfg.Server.Addr,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				Retention:       cfg.Google.Retention,
			})
			return srv.ListenAndServe(ctx)
		},
	}
}

func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	return cfg, logger, nil
}

// buildSyncer wires the Google clients, retry policies and the Redis cache.
func buildSyncer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*syncer.Syncer, *redis.Client, error) {
	source, err := clientSource(cfg.Google)
	if err != nil {
		return nil, nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	calendarPolicy := retry.New("calendar", cfg.Retry, logger)
	auditPolicy := retry.New("reports", cfg.Retry, logger)

	var personnel syncer.Personnel
	switch cfg.Personnel.Source {
	case "static":
		personnel = syncer.StaticPersonnel(cfg.Personnel.Identifiers)
	default:
		dir, err := google.NewDirectoryClient(ctx, logger, source, retry.New("directory", cfg.Retry, logger), cfg.Google.Domain)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to create directory client: %w", err)
		}
		personnel = dir
	}

	calendars := google.NewCalendarClient(logger, source, google.CalendarOptions{
		Domain:            cfg.Google.Domain,
		ImpersonateOwners: cfg.Google.ImpersonateOwners,
		RequestTimeout:    cfg.Google.RequestTimeout,
	})
	audit := google.NewReportsClient(logger, source, cfg.Google.RequestTimeout)

	s := syncer.New(logger, syncer.Deps{
		Calendars:      calendars,
		Audit:          audit,
		Personnel:      personnel,
		Cache:          cache.NewWriter(rdb, logger),
		CalendarPolicy: calendarPolicy,
		AuditPolicy:    auditPolicy,
	}, syncer.Options{
		Domain:                 cfg.Google.Domain,
		ResourceCalendarSuffix: cfg.Google.ResourceCalendarSuffix,
		ThirdPartyMarkers:      cfg.Google.ThirdPartyMarkers,
		BatchSize:              cfg.Google.BatchSize,
		AuditBatchSize:         cfg.Google.AuditBatchSize,
		AuditBatchInterval:     cfg.Google.AuditBatchInterval,
		MatchWindow:            cfg.Google.MatchWindow,
	})
	return s, rdb, nil
}

func clientSource(cfg config.GoogleConfig) (google.ClientSource, error) {
	if cfg.AuthMode == "token" {
		src, err := google.NewStoredToken(cfg.CredentialsFile, cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("could not load google token, did you run the auth command? %w", err)
		}
		return src, nil
	}
	src, err := google.NewServiceAccount(cfg.CredentialsFile, cfg.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load service account: %w", err)
	}
	return src, nil
}
