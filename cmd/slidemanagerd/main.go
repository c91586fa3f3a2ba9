// slidemanagerd — the .pptx library indexing daemon.
// Entry point: flag parsing, wiring and lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/slidemanager/slidemanager/internal/api"
	"github.com/slidemanager/slidemanager/internal/api/handlers"
	"github.com/slidemanager/slidemanager/internal/domain/index"
	"github.com/slidemanager/slidemanager/internal/infra/config"
	"github.com/slidemanager/slidemanager/internal/infra/eventbus"
	"github.com/slidemanager/slidemanager/internal/infra/imaging"
	"github.com/slidemanager/slidemanager/internal/infra/logging"
	"github.com/slidemanager/slidemanager/internal/infra/openai"
	"github.com/slidemanager/slidemanager/internal/infra/ratelimit"
	"github.com/slidemanager/slidemanager/internal/infra/sqlite"
	"github.com/slidemanager/slidemanager/internal/server"
	"github.com/slidemanager/slidemanager/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("slidemanagerd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "Path to the YAML configuration file")
	showVersion := fs.Bool("version", false, "Show version information")
	showHelp := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(out, "slidemanagerd: invalid flags; see -help") //nolint:errcheck
		return 2
	}

	if *showVersion {
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	}
	if *showHelp {
		printHelp(out)
		return 0
	}

	command := "serve"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(out, "slidemanagerd: %v\n", err) //nolint:errcheck
		return 1
	}

	switch command {
	case "serve":
		return serve(cfg, out)
	case "migrate":
		return migrate(cfg, out)
	default:
		fmt.Fprintf(out, "slidemanagerd: unknown command %q; see -help\n", command) //nolint:errcheck
		return 2
	}
}

// migrate brings every configured library's index database to the latest
// schema and reports the resulting versions.
func migrate(cfg config.Config, out io.Writer) int {
	if len(cfg.Roots) == 0 {
		fmt.Fprintln(out, "slidemanagerd: no library roots configured") //nolint:errcheck
		return 1
	}
	for _, root := range cfg.Roots {
		db, err := sqlite.MigrateUpFile(sqlite.IndexDBPath(root.Path))
		if err != nil {
			fmt.Fprintf(out, "slidemanagerd: %s: %v\n", root.Path, err) //nolint:errcheck
			return 1
		}
		ver, err := sqlite.MigrationVersion(db)
		db.Close() //nolint:errcheck
		if err != nil {
			fmt.Fprintf(out, "slidemanagerd: %s: %v\n", root.Path, err) //nolint:errcheck
			return 1
		}
		fmt.Fprintf(out, "%s: schema version %d\n", root.Path, ver) //nolint:errcheck
	}
	return 0
}

// serve wires the full daemon and blocks until SIGINT/SIGTERM.
func serve(cfg config.Config, out io.Writer) int {
	log := logging.New(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})

	if len(cfg.Roots) == 0 {
		log.Error().Msg("no library roots configured")
		return 1
	}

	backends, closers, err := buildBackends(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("wire backends")
		return 1
	}

	router := api.NewRouter(handlers.NewRegistry(backends))
	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.ListenAddr
	srv := server.NewServer(router, srvCfg, logging.WithComponent(log, "server"), closers...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One daemon-wide watchdog per backend; each sweeps only its own store.
	for _, b := range backends {
		go b.Manager.RunWatchdog(ctx, cfg.WatchdogInterval)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server error")
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
		return 1
	}
	<-errCh
	fmt.Fprintln(out, "slidemanagerd: stopped") //nolint:errcheck
	return 0
}

// buildBackends opens one index database per configured library root and
// assembles the orchestration stack on top of it.
func buildBackends(cfg config.Config, log zerolog.Logger) ([]*handlers.Backend, []io.Closer, error) {
	var textEmbedder openai.TextEmbedder
	var imageEmbedder openai.ImageEmbedder
	if cfg.OpenAIAPIKey != "" {
		client := openai.NewClient(openai.Options{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Limiter: ratelimit.NewLimiter(cfg.RequestsPerMin, cfg.TokensPerMin),
			Backoff: ratelimit.DefaultBackoff(),
		})
		textEmbedder = client
		imageEmbedder = openai.NewImageClient(client)
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set; embedding pipelines will skip their tasks")
	}

	converter := index.NewSofficeConverter(cfg.SofficePath, cfg.SofficeTimeout)
	renderer := imaging.NewRenderer(cfg.PdftoppmPath, cfg.ThumbTimeout)

	var backends []*handlers.Backend
	var closers []io.Closer
	for _, root := range cfg.Roots {
		// MigrateUpFile backs the file up to .bak before upgrading an older
		// on-disk schema.
		db, err := sqlite.MigrateUpFile(sqlite.IndexDBPath(root.Path))
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, db)

		store := index.NewStore(db)
		bus := eventbus.NewWithSize(cfg.EventQueueSize)
		manager := index.NewManager(store, bus, converter, renderer, textEmbedder, imageEmbedder,
			logging.WithComponent(log, "index"), index.ManagerConfig{
				TextWorkers:       cfg.TextWorkers,
				ThumbWorkers:      cfg.ThumbWorkers,
				EmbedWorkers:      cfg.EmbedWorkers,
				EmbedBatchSize:    cfg.EmbedBatchSize,
				WatchdogThreshold: cfg.WatchdogTimeout,
			})

		backends = append(backends, &handlers.Backend{
			Root:      root.Path,
			Recursive: root.Recursive,
			Manager:   manager,
			Searcher:  index.NewSearcher(store, textEmbedder, cfg.TextModel),
			Bus:       bus,
		})
		log.Info().Str("root", root.Path).Bool("recursive", root.Recursive).Msg("library root ready")
	}
	return backends, closers, nil
}

func printHelp(out io.Writer) {
	helpText := `slidemanagerd — .pptx library indexing daemon

Usage:
  slidemanagerd [options] [command]

Commands:
  serve      Run the daemon (default)
  migrate    Apply schema migrations to every configured library root

Options:
  -config    Path to the YAML configuration file
  -version   Show version information
  -help      Show this help
`
	fmt.Fprint(out, helpText) //nolint:errcheck
}
