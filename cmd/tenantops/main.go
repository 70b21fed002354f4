package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/splax/tenantops/internal/app/ops"
	"github.com/splax/tenantops/pkg/config"
	"github.com/splax/tenantops/pkg/logger"
)

var buildVersion = "dev"

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

type command func(ctx context.Context, app *ops.Ops, args []string) error

var commands = map[string]command{
	"create-tenant-db":    commandCreateTenant,
	"decommission-tenant": commandDecommissionTenant,
	"migrate-all-tenants": commandMigrate,
	"migrate-status":      commandMigrateStatus,
	"deploy":              commandDeploy,
	"backup":              commandBackup,
	"issue-token":         commandIssueToken,
	"hash-token":          commandHashToken,
	"resolve":             commandResolve,
	"route":               commandRoute,
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	name := os.Args[1]
	switch name {
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", name)
		printUsage()
		os.Exit(1)
	}
	os.Exit(run(cmd, os.Args[2:]))
}

func run(cmd command, args []string) int {
	cfg := config.LoadOpsConfig()
	log := logger.NewWithWriter(os.Stderr, "tenantops", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := ops.New(cfg, log, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer app.Close()

	err = cmd(ctx, app, args)
	app.FlushMetrics()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.msg != "" {
			fmt.Fprintln(os.Stderr, exit.msg)
		}
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

// splitPositional separates leading positional arguments from flags so that
// "cmd <slug> --flag" and "cmd --flag <slug>" both parse.
func splitPositional(args []string) (positional, flags []string) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") {
			return positional, args[i:]
		}
		positional = append(positional, arg)
	}
	return positional, nil
}

func printUsage() {
	fmt.Printf("tenantops %s\n\n", buildVersion)
	fmt.Print(`Usage:
	tenantops create-tenant-db <slug> [--db-name N] [--db-user U] [--db-password P | --ask-password] [--db-host H] [--db-port 5432] [--server S] [--skip-migrations] [--encrypt]
	tenantops decommission-tenant <slug> [--confirm]
	tenantops migrate-all-tenants [--tenant <slug>] [--shared] [--fake-initial] [--concurrency N]
	tenantops migrate-status [--tenant <slug>] [--shared]
	tenantops deploy [--ref origin/main] [--rollback] [--abort-on-error] [--tenant <server|slug>] [--dry-run]
	tenantops backup <daily|weekly|monthly|manual>
	tenantops issue-token <slug> [--ttl 24h]
	tenantops hash-token
	tenantops resolve [--host H] [--org O] [--token T]
	tenantops route <shared|tenant> [--tenant <slug>] [--ping]
	tenantops version
`)
}
