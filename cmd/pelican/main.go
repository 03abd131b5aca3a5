package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pelicanmail/pelican/internal/auth"
	"github.com/pelicanmail/pelican/internal/blob"
	"github.com/pelicanmail/pelican/internal/config"
	imapserver "github.com/pelicanmail/pelican/internal/imap"
	"github.com/pelicanmail/pelican/internal/index"
	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/message"
	"github.com/pelicanmail/pelican/internal/notify"
	"github.com/pelicanmail/pelican/internal/security"
	"github.com/pelicanmail/pelican/internal/storage/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pelican",
	Short: "IMAP mail-access server over SQLite and a content-addressed blob store",
	Long: `An IMAP4rev1 server exposing stored messages with:
- IDLE for instant cross-session notifications
- UIDPLUS, MOVE, CONDSTORE, LITERAL+, SPECIAL-USE
- Per-user storage quotas
- Sliding-window login rate limiting`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the IMAP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Info("server starting", "hostname", cfg.Server.Hostname,
			"name", cfg.ID.Name, "version", cfg.ID.Version, "vendor", cfg.ID.Vendor)

		db, err := sqlite.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.Migrate(migrateCtx)
		migrateCancel()
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database ready", "path", cfg.Storage.DatabasePath)

		store := sqlite.NewStore(db)

		blobs, err := blob.NewStore(cfg.Storage.BlobPath)
		if err != nil {
			return fmt.Errorf("failed to open blob store: %w", err)
		}

		tlsManager, err := security.NewTLSManager(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize TLS: %w", err)
		}
		if !tlsManager.HasTLS() {
			logger.Warn("TLS not configured - server will run without encryption")
		}

		indexer := index.New()
		notifier := notify.New(store, logger)
		handler := message.NewHandler(store, blobs, indexer, notifier, cfg.Limits.MaxStorage, logger)

		var limiter auth.Limiter
		if cfg.Auth.RedisURL != "" {
			redisOpts, err := redis.ParseURL(cfg.Auth.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid auth.redis_url: %w", err)
			}
			limiter = auth.NewRedisLimiter(redis.NewClient(redisOpts), cfg.LoginWindow(), cfg.Auth.LoginMaxTries)
		} else {
			limiter = auth.NewMemoryLimiter(cfg.LoginWindow(), cfg.Auth.LoginMaxTries)
		}
		authenticator := auth.NewAuthenticator(store, limiter, logger)

		srv := imapserver.NewServer(store, blobs, indexer, notifier, handler, authenticator, logger, imapserver.Options{
			Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.IMAPPort),
			TLSAddr:        tlsAddr(cfg, tlsManager),
			TLSConfig:      tlsManager.TLSConfig(),
			IgnoreSTARTTLS: cfg.Server.IgnoreSTARTTLS,
			MaxMessage:     cfg.Limits.MaxMessage,
			MaxStorage:     cfg.Limits.MaxStorage,
		})

		if err := srv.ListenAndServe(); err != nil {
			return fmt.Errorf("failed to bind IMAP listener: %w", err)
		}
		if err := srv.ListenAndServeTLS(); err != nil {
			return fmt.Errorf("failed to bind IMAPS listener: %w", err)
		}

		trimCtx, trimCancel := context.WithCancel(context.Background())
		defer trimCancel()
		go notifier.TrimLoop(trimCtx, 5*time.Minute)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Info("shutting down")
		return srv.Close()
	},
}

func tlsAddr(cfg *config.Config, tlsManager *security.TLSManager) string {
	if !cfg.Server.Secure || !tlsManager.HasTLS() {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.IMAPSPort)
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

// withAuthenticator opens the database and runs fn against an
// Authenticator. Used by the account-management subcommands.
func withAuthenticator(fn func(ctx context.Context, a *auth.Authenticator) error) error {
	db, err := sqlite.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger := logging.Default()
	store := sqlite.NewStore(db)
	limiter := auth.NewMemoryLimiter(cfg.LoginWindow(), cfg.Auth.LoginMaxTries)
	return fn(ctx, auth.NewAuthenticator(store, limiter, logger))
}

var userAddCmd = &cobra.Command{
	Use:   "add <username> <password> [quota-bytes]",
	Short: "Create a user account",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var quota int64
		if len(args) == 3 {
			var err error
			quota, err = strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid quota: %w", err)
			}
		}
		return withAuthenticator(func(ctx context.Context, a *auth.Authenticator) error {
			user, err := a.CreateUser(ctx, args[0], args[1], quota)
			if err != nil {
				return err
			}
			fmt.Printf("Created user %s (id %d)\n", user.Username, user.ID)
			return nil
		})
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username> <password>",
	Short: "Set a user's password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthenticator(func(ctx context.Context, a *auth.Authenticator) error {
			return a.SetPassword(ctx, args[0], args[1])
		})
	},
}

var userQuotaCmd = &cobra.Command{
	Use:   "quota <username> <bytes>",
	Short: "Set a user's storage quota (0 = unlimited)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		quota, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid quota: %w", err)
		}
		return withAuthenticator(func(ctx context.Context, a *auth.Authenticator) error {
			return a.SetQuota(ctx, args[0], quota)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/pelican/config.yaml", "config file path")
	rootCmd.AddCommand(serveCmd)
	userCmd.AddCommand(userAddCmd, userPasswdCmd, userQuotaCmd)
	rootCmd.AddCommand(userCmd)
}
