package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/splax/tenantops/internal/app/ops"
	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/git"
	"github.com/splax/tenantops/internal/service/dbrouter"
	"github.com/splax/tenantops/internal/service/deploy"
	"github.com/splax/tenantops/internal/service/migration"
	"github.com/splax/tenantops/internal/service/provision"
	"github.com/splax/tenantops/internal/service/tenant"
	"github.com/splax/tenantops/pkg/crypto"
	"github.com/splax/tenantops/pkg/jwt"
)

func commandCreateTenant(ctx context.Context, app *ops.Ops, args []string) error {
	positional, rest := splitPositional(args)
	fs := flag.NewFlagSet("create-tenant-db", flag.ExitOnError)
	dbName := fs.String("db-name", "", "Database name (default <prefix><slug>)")
	dbUser := fs.String("db-user", "", "Database role (default <prefix><slug>)")
	dbPassword := fs.String("db-password", "", "Role password (default random)")
	askPassword := fs.Bool("ask-password", false, "Prompt for the role password")
	dbHost := fs.String("db-host", "", "Host written to the descriptor")
	dbPort := fs.Int("db-port", 0, "Port written to the descriptor")
	server := fs.String("server", "", "Dedicated server hosting the tenant")
	skipMigrations := fs.Bool("skip-migrations", false, "Do not migrate the new database")
	encrypt := fs.Bool("encrypt", false, "Seal the descriptor with TENANT_DB_SECRET")
	fs.Parse(rest)
	positional = append(positional, fs.Args()...)
	if len(positional) != 1 {
		return errors.New("usage: tenantops create-tenant-db <slug> [flags]")
	}

	password := *dbPassword
	if *askPassword {
		secret, err := promptSecret("Password: ")
		if err != nil {
			return err
		}
		password = secret
	}
	if *encrypt && app.Config.TenantDBSecret == "" {
		return errors.New("--encrypt requires TENANT_DB_SECRET")
	}

	svc, err := app.Provisioner(ctx)
	if err != nil {
		return err
	}
	res, err := svc.Create(ctx, provision.Request{
		Slug:           positional[0],
		DBName:         *dbName,
		DBUser:         *dbUser,
		Password:       password,
		Host:           *dbHost,
		Port:           *dbPort,
		ServerRef:      *server,
		SkipMigrations: *skipMigrations,
		Encrypt:        *encrypt,
	})
	if res.ConfigLine != "" {
		fmt.Printf("database: %s (created: %t)\n", res.DBName, res.DBCreated)
		fmt.Printf("role:     %s (created: %t)\n", res.DBUser, res.RoleCreated)
		if res.Migration != nil {
			fmt.Printf("schema:   version %d\n", res.Migration.ToVersion)
		}
		fmt.Println("\nAdd to the environment:")
		fmt.Println(res.ConfigLine)
		if *server != "" {
			fmt.Printf("%s%s=%s\n", tenant.EnvServerPrefix, strings.ToUpper(res.Tenant.Slug), *server)
		}
	}
	return err
}

func commandDecommissionTenant(ctx context.Context, app *ops.Ops, args []string) error {
	positional, rest := splitPositional(args)
	fs := flag.NewFlagSet("decommission-tenant", flag.ExitOnError)
	confirm := fs.Bool("confirm", false, "Skip the interactive confirmation")
	fs.Parse(rest)
	positional = append(positional, fs.Args()...)
	if len(positional) != 1 {
		return errors.New("usage: tenantops decommission-tenant <slug> --confirm")
	}
	rec, err := app.Registry().Resolve(positional[0])
	if err != nil {
		return err
	}
	if !*confirm {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("refusing to drop a database without --confirm")
		}
		fmt.Printf("This drops the database of tenant %s. Type the slug to continue: ", rec.Slug)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		if strings.TrimSpace(line) != rec.Slug {
			return errors.New("confirmation did not match, aborting")
		}
	}
	svc, err := app.Provisioner(ctx)
	if err != nil {
		return err
	}
	if err := svc.Decommission(ctx, rec.Slug); err != nil {
		return err
	}
	fmt.Printf("tenant %s decommissioned; remove %s from the environment\n", rec.Slug, tenant.EnvKey(rec.Slug))
	return nil
}

func commandMigrate(ctx context.Context, app *ops.Ops, args []string) error {
	fs := flag.NewFlagSet("migrate-all-tenants", flag.ExitOnError)
	slug := fs.String("tenant", "", "Migrate a single tenant")
	shared := fs.Bool("shared", false, "Also migrate the shared database")
	fakeInitial := fs.Bool("fake-initial", false, "Mark the initial migration applied on unversioned databases")
	concurrency := fs.Int("concurrency", app.Config.MigrationConcurrency, "Databases migrated in parallel")
	fs.Parse(args)

	orch, err := app.Migrations()
	if err != nil {
		return err
	}
	target := migration.Target{Shared: *shared}
	if *slug != "" {
		target.Tenants = []string{*slug}
	} else {
		target.All = true
	}
	results, err := orch.Run(ctx, target, migration.Options{FakeInitial: *fakeInitial, Concurrency: *concurrency})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATABASE\tRESULT\tVERSION\tERROR")
	applied := 0
	for _, r := range results {
		outcome := "up to date"
		switch {
		case r.Failed():
			outcome = "FAILED"
		case r.Applied:
			outcome = "migrated"
			applied++
		}
		fmt.Fprintf(w, "%s\t%s\t%d -> %d\t%s\n", r.TenantSlug, outcome, r.FromVersion, r.ToVersion, r.Error)
	}
	w.Flush()

	failed := migration.Failed(results)
	fmt.Printf("\n%d databases: %d migrated, %d up to date, %d failed\n", len(results), applied, len(results)-applied-len(failed), len(failed))
	if len(failed) > 0 {
		return &exitError{code: 1}
	}
	return nil
}

func commandMigrateStatus(ctx context.Context, app *ops.Ops, args []string) error {
	fs := flag.NewFlagSet("migrate-status", flag.ExitOnError)
	slug := fs.String("tenant", "", "Show a single tenant")
	shared := fs.Bool("shared", false, "Include the shared database")
	fs.Parse(args)

	orch, err := app.Migrations()
	if err != nil {
		return err
	}
	target := migration.Target{Shared: *shared}
	if *slug != "" {
		target.Tenants = []string{*slug}
	} else {
		target.All = true
	}
	statuses, err := orch.Status(ctx, target)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATABASE\tCURRENT\tLATEST\tPENDING")
	unhealthy := false
	for _, st := range statuses {
		if st.Err != nil {
			unhealthy = true
			fmt.Fprintf(w, "%s\t-\t-\terror: %v\n", st.Slug, st.Err)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", st.Slug, st.Status.Current, st.Status.Latest, len(st.Status.Pending))
	}
	w.Flush()
	if unhealthy {
		return &exitError{code: 1}
	}
	return nil
}

// deployOptions maps deploy flags onto a pass. --rollback also halts the pass at the
// first failed server.
func deployOptions(args []string, defaultRef string) (deploy.Options, error) {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	ref := fs.String("ref", defaultRef, "Git ref to deploy")
	rollback := fs.Bool("rollback", false, "Restore the previous revision on failure and stop the pass")
	abort := fs.Bool("abort-on-error", false, "Stop after the first failed server")
	filter := fs.String("tenant", "", "Deploy one server, by server name or hosted tenant slug")
	dryRun := fs.Bool("dry-run", false, "Print the plan without changing anything")
	if err := fs.Parse(args); err != nil {
		return deploy.Options{}, err
	}
	return deploy.Options{
		GitRef:       *ref,
		Rollback:     *rollback,
		AbortOnError: *abort || *rollback,
		DryRun:       *dryRun,
		TenantFilter: *filter,
	}, nil
}

func commandDeploy(ctx context.Context, app *ops.Ops, args []string) error {
	opts, err := deployOptions(args, app.Config.GitRef)
	if err != nil {
		return err
	}

	svc, err := app.Deployer()
	if err != nil {
		return err
	}
	run, err := svc.Run(ctx, opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATE\tREVISION\tDETAIL")
	for _, st := range run.Servers {
		detail := st.Error
		if st.State == domain.StatePlanned {
			detail = strings.Join(st.Actions, "; ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Server, st.State, git.Short(st.Revision), detail)
	}
	w.Flush()

	summary := run.Summary()
	fmt.Printf("\nrun %s: %d succeeded, %d failed, %d rolled back, %d rollback failed, %d skipped, %d cancelled\n",
		run.RunID, summary.Succeeded, summary.Failed, summary.RolledBack, summary.RollbackFailed, summary.Skipped, summary.Cancelled)
	if code := deploy.ExitCode(summary); code != 0 {
		msg := ""
		if summary.RollbackFailed > 0 {
			msg = "rollback failed on at least one server; manual intervention required"
		}
		return &exitError{code: code, msg: msg}
	}
	return nil
}

func commandBackup(ctx context.Context, app *ops.Ops, args []string) error {
	positional, rest := splitPositional(args)
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	fs.Parse(rest)
	positional = append(positional, fs.Args()...)
	if len(positional) != 1 {
		return errors.New("usage: tenantops backup <daily|weekly|monthly|manual>")
	}
	kind, err := domain.ParseBackupKind(positional[0])
	if err != nil {
		return err
	}
	coord, err := app.Backups()
	if err != nil {
		return err
	}
	report, err := coord.Run(ctx, kind)
	if err != nil {
		return err
	}
	for _, rec := range report.Records {
		fmt.Printf("%-12s %-10s %s\n", rec.Target, humanize.IBytes(uint64(rec.Size)), rec.Path)
	}
	for _, f := range report.Failures {
		fmt.Printf("%-12s FAILED     %v\n", f.Target, f.Err)
	}
	fmt.Printf("\n%s backup: %d written, %d failed, %d pruned; disk %s\n", kind, len(report.Records), len(report.Failures), len(report.Pruned), report.Disk)
	if report.DiskWarning != "" {
		fmt.Printf("WARNING: %s\n", report.DiskWarning)
	}
	if report.Failed() {
		return &exitError{code: 1}
	}
	return nil
}

func commandIssueToken(_ context.Context, app *ops.Ops, args []string) error {
	positional, rest := splitPositional(args)
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	ttl := fs.Duration("ttl", app.Config.SessionTTL, "Token lifetime")
	fs.Parse(rest)
	positional = append(positional, fs.Args()...)
	if len(positional) != 1 {
		return errors.New("usage: tenantops issue-token <slug> [--ttl 24h]")
	}
	rec, err := app.Registry().Resolve(positional[0])
	if err != nil {
		return err
	}
	token, err := jwt.GenerateToken(rec.Slug, app.Config.SessionSecret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func commandHashToken(_ context.Context, _ *ops.Ops, _ []string) error {
	secret, err := promptSecret("Health token: ")
	if err != nil {
		return err
	}
	if strings.TrimSpace(secret) == "" {
		return errors.New("empty token")
	}
	hash, err := crypto.HashToken(secret)
	if err != nil {
		return err
	}
	fmt.Printf("HEALTH_TOKEN_HASH=%s\n", hash)
	return nil
}

func commandResolve(_ context.Context, app *ops.Ops, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	host := fs.String("host", "", "Request host")
	org := fs.String("org", "", "Explicit tenant override")
	token := fs.String("token", "", "Session token")
	fs.Parse(args)

	resolver := tenant.NewResolver(app.Tenants, app.Config.BaseDomains, app.Config.SessionSecret, app.Logger)
	slug, ok := resolver.Resolve(tenant.Signal{Host: *host, Override: *org, SessionToken: *token})
	if !ok {
		return &exitError{code: 1, msg: "no tenant resolved"}
	}
	fmt.Println(slug)
	return nil
}

func commandRoute(ctx context.Context, app *ops.Ops, args []string) error {
	positional, rest := splitPositional(args)
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	active := fs.String("tenant", "", "Active tenant")
	ping := fs.Bool("ping", false, "Check the routed database with SELECT 1")
	fs.Parse(rest)
	positional = append(positional, fs.Args()...)
	if len(positional) != 1 {
		return errors.New("usage: tenantops route <shared|tenant> [--tenant <slug>]")
	}
	kind, err := dbrouter.ParseKind(positional[0])
	if err != nil {
		return err
	}
	router := app.Router()
	handle, err := router.Route(kind, *active)
	if err != nil {
		return err
	}
	fmt.Printf("alias:      %s\n", handle.Alias)
	fmt.Printf("descriptor: %s\n", redact(handle.Descriptor))
	if !*ping {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := router.Ping(pingCtx, kind, *active); err != nil {
		return err
	}
	fmt.Printf("ping:       ok (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func promptSecret(label string) (string, error) {
	fmt.Print(label)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(bytes), nil
}

func redact(descriptor string) string {
	u, err := url.Parse(descriptor)
	if err != nil || u.User == nil {
		return descriptor
	}
	return u.Redacted()
}
