// agentwire-replay reads checkpointed CMO runs back from the store. It
// lists the recorded steps of a trace, compares two traces step by step,
// and reports whether a trace can be re-verified. Nothing is re-executed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Strob0t/agentwire/internal/adapter/postgres"
	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/service"
)

// exitDiverged is returned by compare when the traces differ.
const exitDiverged = 2

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "%v\n", ee.err)
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		jsonOut bool
		upTo    int
		dsn     string
	)
	flagSet := pflag.NewFlagSet("agentwire-replay", pflag.ContinueOnError)
	flagSet.BoolVar(&jsonOut, "json", false, "print machine-readable JSON")
	flagSet.IntVar(&upTo, "up-to", -1, "replay only steps 0..N")
	flagSet.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default: postgres.dsn from the agentwire config)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return fmt.Errorf("a command is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replay, cleanup, err := openReplay(ctx, dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	out := newPrinter(os.Stdout, jsonOut, term.IsTerminal(int(os.Stdout.Fd())))

	switch cmd, operands := rest[0], rest[1:]; cmd {
	case "replay":
		if len(operands) != 1 {
			return fmt.Errorf("usage: agentwire-replay replay <trace-id> [--up-to N]")
		}
		var limit *int
		if flagSet.Changed("up-to") {
			limit = &upTo
		}
		res, err := replay.Replay(ctx, operands[0], limit)
		if err != nil {
			return err
		}
		return out.replay(res)
	case "compare":
		if len(operands) != 2 {
			return fmt.Errorf("usage: agentwire-replay compare <trace-a> <trace-b>")
		}
		report, err := replay.Compare(ctx, operands[0], operands[1])
		if err != nil {
			return err
		}
		if err := out.compare(report); err != nil {
			return err
		}
		if err := report.Err(); err != nil {
			return &exitError{code: exitDiverged, err: err}
		}
		return nil
	case "verify":
		if len(operands) != 1 {
			return fmt.Errorf("usage: agentwire-replay verify <trace-id>")
		}
		report, err := replay.Verify(ctx, operands[0])
		if err != nil {
			return err
		}
		return out.verify(report)
	default:
		printHelp(flagSet)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func openReplay(ctx context.Context, dsn string) (*service.ReplayService, func(), error) {
	cfg := config.Defaults()
	if dsn == "" {
		loaded, err := config.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	} else {
		cfg.Postgres.DSN = dsn
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return service.NewReplayService(postgres.NewStore(pool)), pool.Close, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: agentwire-replay [flags] <command> [args]

Commands:
  replay <trace-id>           List the recorded steps and activities of a trace
  compare <trace-a> <trace-b> Compare two traces step by step (exit 2 on divergence)
  verify <trace-id>           Report whether the trace can be re-verified

Flags:
%s`, flagSet.FlagUsages())
}
