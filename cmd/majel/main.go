// Command majel runs the fleet intelligence backend: a per-user overlay store
// over a shared reference catalog, an import pipeline with reversible
// receipts, and a propose/confirm/apply mutation protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Guffawaffle/majel/pkg/artifacts"
	"github.com/Guffawaffle/majel/pkg/auth"
	"github.com/Guffawaffle/majel/pkg/behavior"
	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/composition"
	"github.com/Guffawaffle/majel/pkg/config"
	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/frames"
	"github.com/Guffawaffle/majel/pkg/hygiene"
	"github.com/Guffawaffle/majel/pkg/importer"
	"github.com/Guffawaffle/majel/pkg/llm"
	"github.com/Guffawaffle/majel/pkg/mailer"
	"github.com/Guffawaffle/majel/pkg/observability"
	"github.com/Guffawaffle/majel/pkg/proposals"
	"github.com/Guffawaffle/majel/pkg/receipts"
	"github.com/Guffawaffle/majel/pkg/server"
	"github.com/Guffawaffle/majel/pkg/session"
	"github.com/Guffawaffle/majel/pkg/tools"
	"github.com/Guffawaffle/majel/pkg/trust"

	_ "github.com/lib/pq" // Postgres driver
)

// translatorDir holds declarative vendor translator configs.
const translatorDir = "config/translators"

// proposalSweepInterval paces the background expiry sweep. Reads also apply
// expiry eagerly, so the sweep only keeps listings tidy.
const proposalSweepInterval = 5 * time.Minute

const systemPrompt = "You are Majel, a fleet intelligence assistant. " +
	"You answer from the user's catalog and overlays, and every mutation " +
	"you suggest goes through a proposal the user confirms."

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; tests call it directly.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "server", "serve":
		return runServer(stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "hygiene":
		return runHygiene(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "majel — fleet intelligence backend")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  majel <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the HTTP server (default)")
	fmt.Fprintln(w, "  migrate   Apply the schema and row policies (admin pool)")
	fmt.Fprintln(w, "  hygiene   Scan the tree for committed vendor data")
	fmt.Fprintln(w, "  help      Show this help")
}

func runMigrate(stdout, stderr io.Writer) int {
	cfg := config.Load()
	ctx := context.Background()

	db, err := database.Open(ctx, cfg.AdminDatabaseURL, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "schema is up to date")
	return 0
}

func runHygiene(args []string, stdout, stderr io.Writer) int {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}

	var allow []string
	if data, err := os.ReadFile(filepath.Join(root, ".hygiene-allow")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				allow = append(allow, line)
			}
		}
	}

	violations, err := hygiene.NewChecker(root, allow).Scan()
	if err != nil {
		fmt.Fprintf(stderr, "hygiene: %v\n", err)
		return 1
	}
	for _, v := range violations {
		fmt.Fprintln(stdout, v)
	}
	if len(violations) > 0 {
		fmt.Fprintf(stderr, "hygiene: %d violation(s)\n", len(violations))
		return 1
	}
	fmt.Fprintln(stdout, "clean")
	return 0
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogPretty)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "majel",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := database.Open(ctx, cfg.AdminDatabaseURL, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	// Stores.
	refs := catalog.NewReferenceStore(db)
	rs := receipts.NewStore(db)
	overlays := catalog.NewOverlayStore(db, rs)
	comp := composition.NewStore(db)
	props := proposals.NewStore(db, logger)
	engine := trust.NewEngine(trust.NewSettingsStore(db), logger)

	// Import pipeline.
	var archiver importer.Archiver
	if cfg.S3Bucket != "" {
		arc, err := artifacts.New(ctx, artifacts.Config{
			Bucket: cfg.S3Bucket,
			Region: os.Getenv("AWS_REGION"),
		})
		if err != nil {
			fmt.Fprintf(stderr, "artifacts: %v\n", err)
			return 1
		}
		archiver = arc
	}
	imports := importer.NewService(db, refs, overlays, comp, rs, archiver, logger)

	translators, err := importer.NewRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "translators: %v\n", err)
		return 1
	}
	if _, statErr := os.Stat(translatorDir); statErr == nil {
		if err := translators.LoadDir(translatorDir); err != nil {
			logger.Warn("translator configs not loaded", "dir", translatorDir, "error", err)
		}
	}

	// Accounts. Without SMTP, verification tokens land in the dev sink log.
	sink := mailer.NewDevTokenSink(logger)
	var outbound auth.Mailer
	smtpCfg := mailer.Config{
		Host: cfg.SMTPHost, Port: cfg.SMTPPort,
		User: cfg.SMTPUser, Pass: cfg.SMTPPass, From: cfg.SMTPFrom,
	}
	if smtpCfg.Enabled() {
		outbound = mailer.New(smtpCfg, logger)
	} else {
		logger.Warn("SMTP not configured; auth tokens go to the dev sink")
	}
	authSvc := auth.NewService(auth.NewStore(db), outbound, sink, cfg.BaseURL)

	var limiter auth.Limiter
	if cfg.RedisAddr != "" {
		limiter = auth.NewRedisLimiter(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			30, time.Minute)
	} else {
		limiter = auth.NewLocalLimiter(1, 10)
	}

	// Tool runtime and chat orchestration.
	registry := tools.NewRegistry()
	tools.NewBuiltins(overlays, comp).RegisterAll(registry)
	runtime := tools.NewRuntime(db, registry, engine, props, rs, logger)

	sessions := session.NewRegistry(nil, logger)
	sessions.StartReaper(ctx)
	backend := llm.NewOpenAIClient(cfg.LLMServiceURL, cfg.LLMAPIKey, cfg.LLMModel)
	chat := session.NewOrchestrator(sessions, backend, session.PassthroughRunner{},
		systemPrompt, registry.Definitions(), logger)

	go sweepProposals(ctx, props, logger)

	srv := server.New(server.Deps{
		Resolver:    auth.NewResolver(authSvc, cfg.AdminToken, cfg.InviteSigningKey),
		Auth:        authSvc,
		Limiter:     limiter,
		Refs:        refs,
		Overlays:    overlays,
		Imports:     imports,
		Translators: translators,
		Receipts:    rs,
		Proposals:   props,
		Runtime:     runtime,
		Chat:        chat,
		Behavior:    behavior.NewStore(db),
		Frames:      frames.NewStore(db),
		Obs:         obs,
		APITimeout:  cfg.APITimeout,
		ToolTimeout: cfg.ToolTimeout,
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "shutdown: %v\n", err)
			return 1
		}
	}
	return 0
}

// sweepProposals expires overdue proposals in the background.
func sweepProposals(ctx context.Context, props *proposals.Store, logger *slog.Logger) {
	ticker := time.NewTicker(proposalSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := props.ExpireStale(ctx)
			if err != nil {
				logger.Warn("proposal sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stale proposals", "count", n)
			}
		}
	}
}
