package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/server"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskboard-api",
		Short: "Taskboard realtime notification service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newMemberCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := viper.GetViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token TTL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address for the membership cache (empty disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.addr", "redis-addr")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue(auth.SessionIdentity{UserID: userID, Email: email, DisplayName: displayName})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id carried by the token")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newMemberCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage project membership rows",
	}
	var role string
	add := &cobra.Command{
		Use:   "add PROJECT_ID USER_ID",
		Short: "Add a user to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMembers(func(members *projects.CachedDirectory) error {
				return members.AddMember(cmd.Context(), args[0], args[1], role)
			})
		},
	}
	add.Flags().StringVar(&role, "role", projects.RoleMember, "Member role")
	remove := &cobra.Command{
		Use:   "remove PROJECT_ID USER_ID",
		Short: "Remove a user from a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMembers(func(members *projects.CachedDirectory) error {
				return members.RemoveMember(cmd.Context(), args[0], args[1])
			})
		},
	}
	cmd.AddCommand(add, remove)
	return cmd
}

// withMembers runs apply against the same cached directory the server uses, so
// membership edits invalidate the shared redis entry.
func withMembers(apply func(*projects.CachedDirectory) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, nil)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	members, closeCache, err := openMemberDirectory(appConfig, db, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeCache()
	return apply(members)
}

func openMemberDirectory(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (*projects.CachedDirectory, func(), error) {
	closeCache := func() {}
	source, err := projects.NewDirectory(projects.DirectoryConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, closeCache, err
	}
	cacheConfig := projects.CachedDirectoryConfig{Source: source, TTL: appConfig.Redis.MembersTTL, Logger: logger}
	if appConfig.Redis.Enabled() {
		client := projects.NewRedisClient(appConfig.Redis.Addr, appConfig.Redis.Password, appConfig.Redis.DB)
		cacheConfig.Client = client
		closeCache = func() { _ = client.Close() }
		logger.Info("membership cache enabled", zap.String("redis_addr", appConfig.Redis.Addr))
	}
	members, err := projects.NewCachedDirectory(cacheConfig)
	if err != nil {
		closeCache()
		return nil, func() {}, err
	}
	return members, closeCache, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	handler, closeCache, err := buildHandler(appConfig, db, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildHandler(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (http.Handler, func(), error) {
	closeCache := func() {}

	store, err := notifications.NewStore(notifications.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notifications.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, closeCache, err
	}

	members, closeCache, err := openMemberDirectory(appConfig, db, logger)
	if err != nil {
		return nil, closeCache, err
	}

	directory, err := notifications.NewDirectory(notifications.DirectoryConfig{Store: store, Members: members, Logger: logger})
	if err != nil {
		return nil, closeCache, err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return nil, closeCache, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, closeCache, err
	}
	authenticator, err := server.NewSessionAuthenticator(validator, userService)
	if err != nil {
		return nil, closeCache, err
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Registry:      realtime.NewRegistry(),
		Store:         store,
		Authenticator: authenticator,
		Logger:        logger,
		AuthTimeout:   appConfig.Realtime.AuthTimeout,
	})
	if err != nil {
		return nil, closeCache, err
	}
	notifier, err := notifications.NewNotifier(notifications.NotifierConfig{
		Directory: directory,
		Pusher:    gateway,
		Names:     userService,
		Logger:    logger,
	})
	if err != nil {
		return nil, closeCache, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  authenticator,
		Store:          store,
		Notifier:       notifier,
		Members:        members,
		Gateway:        gateway,
		AllowedOrigins: appConfig.AllowedOrigins,
		SendBuffer:     appConfig.Realtime.SendBuffer,
		Logger:         logger,
	})
	if err != nil {
		return nil, closeCache, err
	}
	return handler, closeCache, nil
}
