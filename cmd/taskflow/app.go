package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/repository"
	"github.com/basket/taskflow/internal/resilient"
	"github.com/basket/taskflow/internal/service"
	"github.com/basket/taskflow/internal/taskerr"
	"github.com/basket/taskflow/internal/telemetry"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitNotFound    = 3
	exitConflict    = 4
	exitUnavailable = 5
)

// usageError marks bad command-line input; it exits like a validation error.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	var te *taskerr.Error
	if !errors.As(err, &te) {
		return exitFailure
	}
	switch te.Kind {
	case taskerr.KindValidation:
		return exitUsage
	case taskerr.KindNotFound:
		return exitNotFound
	case taskerr.KindConflict:
		return exitConflict
	case taskerr.KindUnavailable, taskerr.KindNetwork, taskerr.KindTimeout:
		return exitUnavailable
	default:
		return exitFailure
	}
}

// app holds the state shared by one CLI invocation.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	baseURL string
	token   string
	output  string
	verbose bool

	cfg    config.Config
	logger *slog.Logger
	client *resilient.Client
	repo   *repository.Repository
	svc    *service.Service
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{stdin: stdin, stdout: stdout, stderr: stderr}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskflow",
		Short: "Task tracking with version-guarded updates",
		Long: `taskflow talks to a task store over HTTP. Every write carries the version
the caller last saw; a stale version is refused with exit code 4 so the
caller can re-read and retry.

Exit codes: 0 ok, 1 failure, 2 invalid input, 3 not found, 4 version
conflict, 5 store unavailable.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.baseURL, "url", "", "store base URL (default from config, $TASKFLOW_URL)")
	pf.StringVar(&a.token, "token", "", "API key sent as a bearer token ($TASKFLOW_TOKEN)")
	pf.StringVarP(&a.output, "output", "o", "auto", "output format: auto, table or json")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log retries and breaker changes to stderr")

	root.AddCommand(
		a.serveCmd(),
		a.createCmd(),
		a.getCmd(),
		a.updateCmd(),
		a.moveCmd(),
		a.sprintCmd(),
		a.listCmd(),
		a.historyCmd(),
		a.bulkCmd(),
		a.watchCmd(),
		a.statusCmd(),
		a.doctorCmd(),
	)
	return root
}

// loadConfig reads config.yaml and applies the persistent flag overrides.
func (a *app) loadConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.baseURL != "" {
		cfg.Client.BaseURL = strings.TrimRight(a.baseURL, "/")
	}
	if a.token != "" {
		cfg.Client.Token = a.token
	}
	switch a.output {
	case "auto", "table", "json":
	default:
		return usagef("--output must be auto, table or json, got %q", a.output)
	}
	a.cfg = cfg
	return nil
}

// connect builds the client stack used by every store-facing command.
func (a *app) connect() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	level := "warn"
	if a.verbose {
		level = "debug"
	}
	a.logger = telemetry.NewStderrLogger(a.stderr, level)

	client, err := resilient.New(a.cfg.Resilience(), resilient.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.client = client
	a.repo = repository.New(client, a.logger)
	a.svc = service.New(a.repo, service.WithLogger(a.logger))
	return nil
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
}

// jsonOutput reports whether results are printed as JSON. "auto" picks a
// table for terminals and JSON for pipes.
func (a *app) jsonOutput() bool {
	switch a.output {
	case "json":
		return true
	case "table":
		return false
	}
	f, ok := a.stdout.(*os.File)
	return !ok || !isatty.IsTerminal(f.Fd())
}

func (a *app) printError(err error) {
	fmt.Fprintf(a.stderr, "error: %v\n", err)
	if expected, actual, ok := taskerr.AsConflict(err); ok {
		if expected != actual {
			fmt.Fprintf(a.stderr, "hint: the task moved from version %d to %d; re-read it and retry with --expected-version %d\n",
				expected, actual, actual)
		} else {
			fmt.Fprintln(a.stderr, "hint: the task is not in the status you named; re-read it with 'taskflow get'")
		}
	}
	if taskerr.Is(err, taskerr.KindUnavailable) && a.client != nil {
		snap := a.client.State()
		fmt.Fprintf(a.stderr, "hint: circuit is %s; a probe is allowed %s after it opened\n", snap.Mode, a.cfg.Client.ResetTimeout)
	}
}
