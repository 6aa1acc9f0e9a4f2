package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"dataworks/internal/config"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	debugMode  = flag.Bool("d", false, "Enable debug mode")
	logFile    = flag.String("log-file", "", "Log file path (logs go to stderr by default)")
	configPath = flag.String("config", "config.json", "Configuration file (.json, .yaml or .yml)")
	version    = flag.Bool("version", false, "Print version and exit")
	schemaDump = flag.Bool("config-schema", false, "Print the configuration JSON schema and an example, then exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [serve | repl | -]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Println("dataworks", Version)
		return
	}
	if *schemaDump {
		fmt.Println(config.SchemaJSON())
		fmt.Println(config.ExampleConfigJSON())
		return
	}

	mode := "serve"
	if args := flag.Args(); len(args) > 0 {
		mode = args[0]
	}

	logger, closer, err := initLogger(*debugMode, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	// batch and repl own the terminal; they only log to a file
	if *logFile == "" && mode != "serve" {
		logger = logger.Output(io.Discard)
	}
	logger.Info().Str("version", Version).Msg("Dataworks starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mode, logger); err != nil {
		logger.Error().Err(err).Str("mode", mode).Msg("Dataworks failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		// close the log file before exiting
		if closer != nil {
			closer.Close()
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string, logger zerolog.Logger) error {
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	for _, w := range cfg.Validate(app.registry) {
		logger.Warn().Str("field", w.Field).Msg(w.Message)
	}

	switch mode {
	case "serve":
		return serve(ctx, cfg.ListenAddr, app, logger)
	case "-":
		return runBatch(ctx, app.dispatcher, os.Stdin, os.Stdout, logger)
	case "repl":
		return runREPL(app, logger)
	default:
		flag.Usage()
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// initLogger writes to the log file when one is given, otherwise to stderr,
// pretty-printed when stderr is a terminal.
func initLogger(debug bool, logFilePath string) (zerolog.Logger, io.Closer, error) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var output io.Writer = os.Stderr
	var closer io.Closer
	if logFilePath != "" {
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	} else if term.IsTerminal(int(os.Stderr.Fd())) {
		output = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	return zerolog.New(output).With().Timestamp().Logger(), closer, nil
}
