package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/config"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/engine"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/env"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

const defaultEnvFile = ".env"

// rootFlags are the global command line flags. They override the
// environment and the .env file.
type rootFlags struct {
	envFile     string
	logLevel    string
	debug       bool
	enginesFile string
	reportDir   string
	bridgeAddr  string
	cdpURL      string
	browserPath string
}

// globalState is everything a command needs from the process, so that
// tests can run commands against buffers and a fake environment.
type globalState struct {
	ctx       context.Context
	stdout    io.Writer
	stderr    io.Writer
	lookupEnv env.LookupFunc

	flags  rootFlags
	opts   *config.Options
	logger *log.Logger

	outMu sync.Mutex
}

func newGlobalState(ctx context.Context) *globalState {
	return &globalState{
		ctx:       ctx,
		stdout:    color.Output,
		stderr:    color.Error,
		lookupEnv: env.Lookup,
		flags:     rootFlags{envFile: defaultEnvFile},
		opts:      config.NewOptions(),
	}
}

// printf writes a line to the console. Commands may call it concurrently.
func (gs *globalState) printf(format string, args ...any) {
	gs.outMu.Lock()
	defer gs.outMu.Unlock()
	fmt.Fprintf(gs.stdout, format, args...) //nolint:errcheck
}

// configure resolves the options of cmd from, in order of precedence, its
// flags, the process environment, the .env file and the defaults, and sets
// up logging.
func (gs *globalState) configure(cmd *cobra.Command) error {
	lookup := gs.lookupEnv
	if gs.flags.envFile != "" {
		dotenv, err := godotenv.Read(gs.flags.envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if cmd.Flags().Changed("env-file") {
				return fmt.Errorf("reading env file: %w", err)
			}
		case err != nil:
			return fmt.Errorf("reading env file %q: %w", gs.flags.envFile, err)
		default:
			lookup = withFallback(lookup, env.MapLookup(dotenv))
		}
	}

	opts := config.NewOptions()
	if err := opts.Parse(lookup); err != nil {
		return err
	}
	fl := cmd.Flags()
	if fl.Changed("log-level") {
		opts.LogLevel = gs.flags.logLevel
	}
	if fl.Changed("debug") {
		opts.Debug = gs.flags.debug
	}
	if fl.Changed("engines") {
		opts.EnginesFile = gs.flags.enginesFile
	}
	if fl.Changed("report-dir") {
		opts.ReportDir = gs.flags.reportDir
	}
	if fl.Changed("bridge-addr") {
		opts.BridgeAddr = gs.flags.bridgeAddr
	}
	if fl.Changed("cdp-url") {
		opts.CDPURL = gs.flags.cdpURL
	}
	if fl.Changed("browser") {
		opts.BrowserPath = gs.flags.browserPath
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	gs.opts = opts

	return gs.setupLogger()
}

func (gs *globalState) setupLogger() error {
	l := logrus.New()
	l.SetOutput(gs.stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
		DisableColors:   color.NoColor,
	})
	gs.logger = log.New(l, gs.opts.Debug, nil)
	if err := gs.logger.SetLevel(gs.opts.LogLevel); err != nil {
		return err
	}
	return gs.logger.SetCategoryFilter(gs.opts.LogCategoryFilter)
}

func (gs *globalState) registry() (*engine.Registry, error) {
	if gs.opts.EnginesFile == "" {
		return engine.Default()
	}
	return engine.LoadFile(gs.opts.EnginesFile)
}

// withFallback looks keys up with primary first.
func withFallback(primary, fallback env.LookupFunc) env.LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok {
			return v, true
		}
		return fallback(key)
	}
}

// execute runs the command line args and returns the process exit code.
func execute(gs *globalState, args []string) int {
	root := newRootCommand(gs)
	root.SetArgs(args)
	root.SetOut(gs.stdout)
	root.SetErr(gs.stderr)
	if err := root.ExecuteContext(gs.ctx); err != nil {
		fmt.Fprintln(gs.stderr, color.RedString("error: %v", err)) //nolint:errcheck
		return 1
	}
	return 0
}
