// Command atmarket is a client for a federated marketplace: listings live in
// each seller's own AT Protocol repository, and this tool discovers,
// aggregates, and follows them.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"atmarket/internal/atproto/appview"
	"atmarket/internal/atproto/identity"
	"atmarket/internal/atproto/jetstream"
	"atmarket/internal/atproto/oauth"
	"atmarket/internal/atproto/pds"
	"atmarket/internal/atproto/xrpc"
	"atmarket/internal/config"
	"atmarket/internal/core/listings"
	"atmarket/internal/core/sessions"
	"atmarket/internal/store/postgres"
	"atmarket/internal/store/sqlite"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "atmarket",
		Short:         "Federated marketplace client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(loginCmd(), logoutCmd(), whoamiCmd(), listingsCmd(), postCmd(), watchCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "atmarket.toml"
	}
	return filepath.Join(home, ".atmarket", "atmarket.toml")
}

// app holds the wired components shared by all commands.
type app struct {
	cfg      *config.Config
	store    *sqlite.Store
	pgdb     *sql.DB
	registry listings.ParticipantRegistry
	resolver identity.Resolver
	sessions *sessions.Service
	flow     *oauth.Flow
	logger   *slog.Logger
}

func buildApp() (*app, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	// The registry and identity cache default to local SQLite. A Postgres DSN
	// switches both to a shared database.
	var registry listings.ParticipantRegistry = store
	var pgdb *sql.DB
	var identityCache identity.Cache
	if cfg.Postgres.DSN != "" {
		pgdb, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		pg := postgres.NewParticipantRegistry(pgdb)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			_ = pgdb.Close()
			_ = store.Close()
			return nil, err
		}
		if err := identity.EnsureCacheSchema(context.Background(), pgdb); err != nil {
			_ = pgdb.Close()
			_ = store.Close()
			return nil, err
		}
		registry = pg
		identityCache = identity.NewPostgresCache(pgdb, 0)
	}

	resolver := identity.NewResolver(identity.Config{
		HTTPClient: httpClient,
		PLCURL:     cfg.PLCURL,
		UserAgent:  cfg.UserAgent,
		CacheSize:  cfg.Aggregation.IdentityCacheSize,
		Cache:      identityCache,
	})

	keys := oauth.NewKeyManager(store, logger)

	var flow *oauth.Flow
	if cfg.OAuth.ClientID != "" {
		flow, err = oauth.NewFlow(resolver, keys, store, httpClient, oauth.Config{
			ClientID:    cfg.OAuth.ClientID,
			RedirectURI: cfg.OAuth.RedirectURI,
			Scopes:      cfg.OAuth.Scopes,
		}, logger)
		if err != nil {
			if pgdb != nil {
				_ = pgdb.Close()
			}
			_ = store.Close()
			return nil, err
		}
	}

	return &app{
		cfg:      cfg,
		store:    store,
		pgdb:     pgdb,
		registry: registry,
		resolver: resolver,
		sessions: sessions.NewService(resolver, store, flow, keys, httpClient, logger),
		flow:     flow,
		logger:   logger,
	}, nil
}

func (a *app) close() {
	if a.pgdb != nil {
		if err := a.pgdb.Close(); err != nil {
			a.logger.Warn("failed to close postgres", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}

// listingService wires the aggregator. writer is nil for read-only use.
func (a *app) listingService(writer listings.RecordWriter) *listings.Service {
	client := xrpc.NewClient(nil)
	return listings.NewService(
		a.resolver,
		a.registry,
		pds.NewReader(client),
		appview.NewClient(client, a.cfg.AppViewURL),
		appview.NewClient(client, a.cfg.AppViewURL),
		writer,
		listings.Options{
			Collection:        a.cfg.Collection,
			CacheTTL:          a.cfg.Aggregation.CacheTTL.Duration,
			SearchMinInterval: a.cfg.Aggregation.SearchMinInterval.Duration,
			SearchTerms:       a.cfg.Aggregation.SearchTerms,
			DefaultPDS:        a.cfg.DefaultPDS,
		},
		a.logger,
	)
}

func loginCmd() *cobra.Command {
	var useOAuth bool
	var password string

	cmd := &cobra.Command{
		Use:   "login <handle>",
		Short: "Authenticate and store a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			handle := args[0]
			ctx := cmd.Context()

			if useOAuth {
				return oauthLogin(ctx, a, handle)
			}

			if password == "" {
				fmt.Print("App password: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimSpace(line)
			}

			session, err := a.sessions.Login(ctx, handle, password)
			if err != nil {
				return err
			}
			fmt.Printf("Logged in as %s (%s)\n", session.Handle, session.DID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&useOAuth, "oauth", false, "use the browser OAuth flow instead of an app password")
	cmd.Flags().StringVar(&password, "password", "", "app password (prompted when omitted)")
	return cmd
}

func oauthLogin(ctx context.Context, a *app, handle string) error {
	if a.flow == nil {
		return fmt.Errorf("oauth requires oauth.client_id in the config")
	}

	authorizeURL, err := a.sessions.StartOAuth(ctx, handle)
	if err != nil {
		return err
	}

	fmt.Println("Open this URL in your browser to authorize:")
	fmt.Println("  " + authorizeURL)

	callbackPath := "/callback"
	if u, err := url.Parse(a.cfg.OAuth.RedirectURI); err == nil && u.Path != "" {
		callbackPath = u.Path
	}

	result, err := oauth.WaitForCallback(ctx, a.cfg.OAuth.CallbackAddr, callbackPath)
	if err != nil {
		return err
	}

	session, err := a.sessions.CompleteOAuth(ctx, result.State, result.Code)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s (%s)\n", session.Handle, session.DID)
	return nil
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.sessions.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			session, err := a.sessions.Resume(cmd.Context())
			if err != nil {
				if errors.Is(err, sessions.ErrNoSession) {
					fmt.Println("Not logged in.")
					return nil
				}
				return err
			}
			fmt.Printf("%s (%s) via %s, %s auth\n", session.Handle, session.DID, session.PDSURL, session.Kind)
			return nil
		},
	}
}

func listingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listings",
		Short: "Fetch and print all known listings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()

			// The visibility filter only applies for a logged-in viewer.
			viewerDID := ""
			if session, err := a.sessions.Resume(ctx); err == nil {
				viewerDID = session.DID
			}

			svc := a.listingService(nil)
			found, err := svc.Fetch(ctx, viewerDID)
			if err != nil {
				return err
			}

			if len(found) == 0 {
				fmt.Println("No listings found.")
				return nil
			}
			for _, l := range found {
				printListing(&l)
			}
			fmt.Printf("%d listings.\n", len(found))
			return nil
		},
	}
}

func printListing(l *listings.Listing) {
	fmt.Printf("%s\n", l.Title)
	if l.Description != "" {
		fmt.Printf("    %s\n", l.Description)
	}
	var details []string
	if l.Category != "" {
		details = append(details, l.Category)
	}
	if l.Condition != "" {
		details = append(details, l.Condition)
	}
	if l.Location != "" {
		details = append(details, l.Location)
	}
	if len(details) > 0 {
		fmt.Printf("    [%s]\n", strings.Join(details, " / "))
	}
	fmt.Printf("    by %s at %s\n", l.AuthorDID, l.URI)
}

func postCmd() *cobra.Command {
	var input listings.ListingInput
	var tags []string

	cmd := &cobra.Command{
		Use:   "post",
		Short: "Publish a listing to your own repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()

			session, err := a.sessions.Resume(ctx)
			if err != nil {
				if errors.Is(err, sessions.ErrNoSession) {
					return fmt.Errorf("log in first: atmarket login <handle>")
				}
				return err
			}

			writer, err := a.sessions.PDSClient(ctx, session)
			if err != nil {
				return err
			}

			input.Tags = tags
			svc := a.listingService(writer)
			uri, _, err := svc.Publish(ctx, session.DID, input)
			if err != nil {
				return err
			}
			fmt.Printf("Published %s\n", uri)
			return nil
		},
	}
	cmd.Flags().StringVar(&input.Title, "title", "", "listing title (required)")
	cmd.Flags().StringVar(&input.Description, "description", "", "listing description")
	cmd.Flags().StringVar(&input.Location, "location", "", "where the item is")
	cmd.Flags().StringVar(&input.Category, "category", "", "listing category")
	cmd.Flags().StringVar(&input.Condition, "condition", "", "item condition")
	cmd.Flags().BoolVar(&input.HideFromContacts, "hide-from-contacts", false, "hide this listing from people you follow back")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func watchCmd() *cobra.Command {
	var fromNow bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream listing changes from the network feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()

			opts := jetstream.Options{
				Endpoint:    a.cfg.FeedURL,
				Collection:  a.cfg.Collection,
				Lookback:    time.Duration(a.cfg.Feed.LookbackDays) * 24 * time.Hour,
				QuietPeriod: a.cfg.Feed.QuietPeriod.Duration,
				Logger:      a.logger,
			}
			if fromNow {
				opts.Cursor = time.Now().UnixMicro()
			}

			unsubscribe, err := jetstream.Subscribe(ctx, opts, a.registry,
				func(event jetstream.Event, historical bool) {
					tag := "live"
					if historical {
						tag = "replay"
					}
					fmt.Printf("[%s] %s %s\n", tag, event.Operation, event.URI())
				},
				func() {
					fmt.Println("--- replay complete, now live ---")
				})
			if err != nil {
				return err
			}
			defer unsubscribe()

			<-ctx.Done()
			fmt.Println("Stopped.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromNow, "from-now", false, "skip the backlog and stream new events only")
	return cmd
}
