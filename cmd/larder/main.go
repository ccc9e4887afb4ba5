// Command larder is the CLI for the larder household pantry sync layer.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/larderhq/larder/internal/backend"
	"github.com/larderhq/larder/internal/config"
	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/logging"
	"github.com/larderhq/larder/internal/pantry"
	"github.com/larderhq/larder/internal/ui"
)

var (
	configFile string

	v        *viper.Viper
	cfg      *config.Config
	logOut   io.WriteCloser
	closeLog func()
	out      *ui.Printer
)

// flagKeys maps flag names to the config keys they override. Flags are
// bound only on the command that defines them.
var flagKeys = map[string]string{
	"backend":       "backend",
	"log-file":      "log.file",
	"addr":          "server.addr",
	"write-timeout": "sync.write_timeout",
	"model":         "generator.model",
}

var rootCmd = &cobra.Command{
	Use:   "larder",
	Short: "Local-first household pantry and recipe sync",
	Long: `larder keeps households, recipes and food items in local caches that are
updated optimistically and kept in sync with a shared document backend
(sqlite, postgres, s3, an in-process memory store, or another larder
server).

Configuration is read from larder.yaml or larder.toml in the current
directory or ~/.config/larder, then LARDER_* environment variables, then
flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.NewViper(configFile)
		if err != nil {
			return err
		}
		for flag, key := range flagKeys {
			if f := cmd.Flags().Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return err
				}
			}
		}
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		logOut = logging.Writer(cfg.Log)
		w := logOut
		closeLog = onExit(func() { _ = w.Close() })
		out = ui.NewPrinter(os.Stdout)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			closeLog()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Pantry data:"},
		&cobra.Group{ID: "sync", Title: "Sync and serving:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./larder.yaml or ~/.config/larder/larder.yaml)")
	rootCmd.PersistentFlags().String("backend", "", "Document backend: memory, sqlite, postgres, s3 or remote")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().Duration("write-timeout", 0, "Roll back remote writes that take longer (default from sync.write_timeout, 0 waits forever)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits, the way every command reports failure.
// Cleanups registered with onExit run first.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	runExitCleanups()
	os.Exit(1)
}

var (
	exitMu       sync.Mutex
	exitCleanups []*exitCleanup
)

type exitCleanup struct {
	once sync.Once
	fn   func()
}

// onExit registers fn to run if fatalf exits the process, and returns a
// func that runs it on the normal path. fn runs at most once.
//
//	b := openBackend(ctx)
//	defer onExit(func() { _ = b.Close() })()
func onExit(fn func()) func() {
	c := &exitCleanup{fn: fn}
	exitMu.Lock()
	exitCleanups = append(exitCleanups, c)
	exitMu.Unlock()
	return func() {
		exitMu.Lock()
		for i, other := range exitCleanups {
			if other == c {
				exitCleanups = append(exitCleanups[:i], exitCleanups[i+1:]...)
				break
			}
		}
		exitMu.Unlock()
		c.once.Do(c.fn)
	}
}

// runExitCleanups runs pending cleanups, most recently registered first.
func runExitCleanups() {
	exitMu.Lock()
	pending := exitCleanups
	exitCleanups = nil
	exitMu.Unlock()
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i].once.Do(pending[i].fn)
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openBackend(ctx context.Context) docstore.Backend {
	b, err := backend.Open(ctx, cfg, logOut)
	if err != nil {
		fatalf("%v", err)
	}
	return b
}

// closeOnExit closes b on return or when a later fatalf exits.
func closeOnExit(b docstore.Backend) func() {
	return onExit(func() { _ = b.Close() })
}

// openHousehold starts a session on a single household. The returned func
// closes the session; fatalf also closes it.
func openHousehold(ctx context.Context, b docstore.Backend, householdUID string) (*pantry.Session, func()) {
	if householdUID == "" {
		fatalf("--household is required")
	}
	s := pantry.New(b, pantry.Options{
		LogOutput:                logOut,
		WriteTimeout:             cfg.Sync.WriteTimeout,
		ReselectOnDeleteRollback: cfg.Sync.ReselectOnDeleteRollback,
	})
	closeSession := onExit(s.Close)
	if err := s.Open(ctx, []string{householdUID}, householdUID); err != nil {
		fatalf("%v", err)
	}
	if _, ok := s.Household(); !ok {
		fatalf("household %s not found", householdUID)
	}
	return s, closeSession
}

// waitChange waits for a session change and prints its outcome.
func waitChange(ctx context.Context, label string, change pantry.Change) bool {
	err := change.Wait(ctx)
	outcome := change.Entity.Outcome()
	if change.Entity.Succeeded() && !change.Household.Succeeded() {
		outcome = change.Household.Outcome()
	}
	out.Outcome(label, outcome, err)
	return err == nil
}
