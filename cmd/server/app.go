package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/channel"
	"github.com/stanstork/admin-inbox/internal/config"
	"github.com/stanstork/admin-inbox/internal/handlers"
	"github.com/stanstork/admin-inbox/internal/identity"
	"github.com/stanstork/admin-inbox/internal/middleware"
	"github.com/stanstork/admin-inbox/internal/migration"
	"github.com/stanstork/admin-inbox/internal/notification"
	"github.com/stanstork/admin-inbox/internal/repository"
	"github.com/stanstork/admin-inbox/internal/routes"
	"github.com/stanstork/admin-inbox/internal/session"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config *config.Config
	logger zerolog.Logger
	db     *sql.DB
}

func newApplication(cfg *config.Config, logger zerolog.Logger) *application {
	return &application{config: cfg, logger: logger}
}

func (app *application) close() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error().Err(err).Msg("failed to close database")
		}
	}
}

// credentials returns the configured credential source and, when it can
// persist credentials, its writer.
func (app *application) credentials() (identity.CredentialSource, identity.CredentialWriter, error) {
	cc := app.config.Credential
	switch cc.Source {
	case config.CredentialSourceKeyring:
		ring, err := identity.OpenKeyringSource(cc.KeyringService, cc.KeyringKey, filepath.Dir(cc.Path))
		if err != nil {
			return nil, nil, err
		}
		return ring, ring, nil
	case config.CredentialSourceStatic:
		return identity.StaticSource(cc.Token), nil, nil
	default:
		src := identity.FileSource{Path: cc.Path}
		return src, src, nil
	}
}

func (app *application) resolver(source identity.CredentialSource) *identity.Resolver {
	var profiles identity.ProfileFetcher
	if app.config.APIBaseURL != "" {
		profiles = identity.NewHTTPProfileFetcher(app.config.APIBaseURL, &http.Client{Timeout: 10 * time.Second})
	}
	return identity.NewResolver(source, identity.NewDecoder(app.config.JWTSecret), profiles, app.logger)
}

// archive opens the optional postgres archive and runs migrations. It
// returns nil when no database is configured.
func (app *application) archive() (repository.NotificationRepository, error) {
	if app.config.Database.URL == "" {
		app.logger.Info().Msg("no database configured, running without archive")
		return nil, nil
	}

	db, err := sql.Open("postgres", app.config.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migration.RunMigrations(db, app.logger); err != nil {
		db.Close()
		return nil, err
	}
	app.db = db
	return repository.NewNotificationRepository(db), nil
}

func (app *application) connector(notices *session.Notices) *channel.Connector {
	cc := app.config.Channel
	return channel.NewConnector(channel.Config{
		URL:              cc.URL,
		HandshakeTimeout: cc.HandshakeTimeout,
		PingInterval:     cc.PingInterval,
		Policy: channel.Policy{
			TransportBase: cc.TransportRetryBase,
			ServerBase:    cc.ServerRetryBase,
			Max:           cc.MaxRetryDelay,
			Multiplier:    2,
			Randomization: cc.Randomization,
		},
	}, app.logger, channel.WithStatusFunc(notices.Observe))
}

func (app *application) serve(ctx context.Context) error {
	if err := app.config.RequireChannel(); err != nil {
		return err
	}
	source, writer, err := app.credentials()
	if err != nil {
		return err
	}
	repo, err := app.archive()
	if err != nil {
		return err
	}

	notices := session.NewNotices(app.config.Notices.PerMinute, app.logger)
	inbox := notification.NewService(
		notification.NewStore(app.config.Store.MaxRecords),
		notification.NewNormalizer(app.logger),
		repo,
		app.logger,
		notification.NewLogNotifier(app.logger),
	)

	opts := []session.Option{session.WithNotices(notices)}
	if writer != nil {
		opts = append(opts, session.WithCredentialWriter(writer))
	}
	sess := session.New(app.resolver(source), app.connector(notices), inbox, app.logger, opts...)
	defer sess.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		app.logger.Error().Err(err).Msg("failed to start session")
	}

	if app.config.Credential.Source == config.CredentialSourceFile {
		go func() {
			_ = session.WatchCredential(ctx, app.config.Credential.Path, app.logger, func() {
				if err := sess.CredentialChanged(ctx); err != nil {
					app.logger.Error().Err(err).Msg("failed to restart session after credential change")
				}
			})
		}()
	}

	// Initialize the HTTP router and middleware.
	router := routes.NewRouter(handlers.NewNotificationHandler(sess, app.logger))
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(app.config.CORS.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	return app.startServer(ctx, corsHandler)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		app.logger.Info().Msg("Shutting down...")
	case serveErr = <-serverErrCh:
		app.logger.Error().Err(serveErr).Msg("Server error occurred")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		app.logger.Info().Msg("HTTP server shutdown complete.")
	}
	return serveErr
}

func (app *application) whoami(ctx context.Context, out io.Writer) error {
	source, _, err := app.credentials()
	if err != nil {
		return err
	}
	id, err := app.resolver(source).Resolve(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityUnavailable) {
			fmt.Fprintln(out, "not signed in")
			return nil
		}
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Identity interface{} `json:"identity"`
		Channel  string      `json:"channel"`
	}{id, channel.Name(id.SubjectID)})
}

func (app *application) login(ctx context.Context, token string, out io.Writer) error {
	_, writer, err := app.credentials()
	if err != nil {
		return err
	}
	if writer == nil {
		return fmt.Errorf("credential source %q is read-only", app.config.Credential.Source)
	}
	id, err := app.resolver(nil).ResolveToken(ctx, token)
	if err != nil {
		return fmt.Errorf("invalid credential: %w", err)
	}
	if err := writer.Save(ctx, token); err != nil {
		return err
	}
	fmt.Fprintf(out, "signed in as %s\n", id.SubjectID)
	return nil
}

func (app *application) logout(ctx context.Context) error {
	_, writer, err := app.credentials()
	if err != nil {
		return err
	}
	if writer == nil {
		return fmt.Errorf("credential source %q is read-only", app.config.Credential.Source)
	}
	return writer.Clear(ctx)
}
