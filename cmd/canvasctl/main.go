package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokencanvas/cmd/internal/secret"
)

const (
	defaultConfig    = "services/canvasd/config.yaml"
	defaultSecretEnv = "CANVAS_ADMIN_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "rebuild":
		err = runRebuild(ctx, os.Args[2:])
	case "process-queue":
		err = runProcess(ctx, os.Args[2:], false)
	case "backup":
		err = runProcess(ctx, os.Args[2:], true)
	case "ban":
		err = runBan(ctx, os.Args[2:], true)
	case "unban":
		err = runBan(ctx, os.Args[2:], false)
	case "export":
		err = runExport(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `canvasctl operates a canvasd deployment.

Usage:
  canvasctl <command> [flags]

Commands:
  rebuild         Repopulate the Redis cache from the ledger
  process-queue   Drain the write-behind queues into the ledger
  backup          Sweep the full cache into the queues, then drain
  ban             Ban a wallet address (-address, -reason, -by)
  unban           Lift a ban (-address)
  export          Write a bbolt snapshot of the canvas (-out)

Every command accepts -config for direct access or -server to call a running
canvasd. Remote calls read the admin secret from $%s or prompt for it.
`, defaultSecretEnv)
}

// target holds the flags shared by every command.
type target struct {
	configPath string
	server     string
	secretEnv  string
	timeout    time.Duration
}

func bindTarget(fs *flag.FlagSet) *target {
	t := &target{}
	fs.StringVar(&t.configPath, "config", defaultConfig, "Path to the canvasd config file")
	fs.StringVar(&t.server, "server", "", "Base URL of a running canvasd; overrides direct access")
	fs.StringVar(&t.secretEnv, "secret-env", defaultSecretEnv, "Environment variable holding the admin secret")
	fs.DurationVar(&t.timeout, "timeout", 10*time.Minute, "Overall deadline for the command")
	return t
}

// open resolves the operator for the parsed flags. The caller must close it.
func (t *target) open(ctx context.Context) (Operator, error) {
	if t.server != "" {
		return NewRemote(t.server, secret.NewSource(t.secretEnv, "admin secret"), nil)
	}
	return OpenDirect(ctx, t.configPath)
}

func runRebuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	t := bindTarget(fs)
	fs.Parse(args)
	return t.do(ctx, func(ctx context.Context, op Operator) (any, error) {
		return op.Rebuild(ctx)
	})
}

func runProcess(ctx context.Context, args []string, full bool) error {
	name := "process-queue"
	if full {
		name = "backup"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	t := bindTarget(fs)
	fs.Parse(args)
	return t.do(ctx, func(ctx context.Context, op Operator) (any, error) {
		return op.ProcessQueue(ctx, full)
	})
}

func runBan(ctx context.Context, args []string, active bool) error {
	name := "unban"
	if active {
		name = "ban"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	t := bindTarget(fs)
	address := fs.String("address", "", "Wallet address")
	reason := fs.String("reason", "", "Reason recorded with the ban")
	by := fs.String("by", "canvasctl", "Operator recorded as the issuer")
	fs.Parse(args)
	if *address == "" {
		return fmt.Errorf("-address is required")
	}
	return t.do(ctx, func(ctx context.Context, op Operator) (any, error) {
		if active {
			return op.Ban(ctx, *address, *reason, *by)
		}
		return op.Unban(ctx, *address)
	})
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	t := bindTarget(fs)
	out := fs.String("out", "canvas.snapshot.db", "Destination bbolt file")
	fs.Parse(args)
	return t.do(ctx, func(ctx context.Context, op Operator) (any, error) {
		return ExportSnapshot(ctx, op, *out, time.Now().UTC())
	})
}

func (t *target) do(ctx context.Context, fn func(context.Context, Operator) (any, error)) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	op, err := t.open(ctx)
	if err != nil {
		return err
	}
	defer op.Close()
	result, err := fn(ctx, op)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
