package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"adfunds.io/internal/migrate"
	"adfunds.io/internal/obs"
	"adfunds.io/ops/migrations"
)

const usage = "usage: adfunds-migrate [-dsn DSN] [-dir path] up|down|seed|status|verify"

var errUnhealthy = errors.New("schema is not current")

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("ADFUNDS_DATABASE_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "read sql/ and seeds/ from this directory instead of the embedded copy")
		timeout = flag.Duration("timeout", time.Minute, "overall deadline")
	)
	flag.Parse()

	if err := run(*dsn, *dir, *timeout, flag.Args(), os.Stdout); err != nil {
		obs.Logger().Error("adfunds-migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(dsn, dir string, timeout time.Duration, args []string, out io.Writer) error {
	if dsn == "" {
		return errors.New("missing DSN: set -dsn or ADFUNDS_DATABASE_DSN")
	}
	if len(args) != 1 {
		return errors.New(usage)
	}
	var fsys fs.FS = migrations.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, fsys, migrations.MigrationsDir, migrations.SeedsDir)
	switch args[0] {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "status", "verify":
		st, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		report(out, st)
		if args[0] == "verify" && !st.Healthy() {
			return errUnhealthy
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q; %s", args[0], usage)
	}
}

// report prints one line per migration followed by any missing core tables.
func report(out io.Writer, st migrate.Status) {
	drifted := make(map[string]bool, len(st.Drifted))
	for _, name := range st.Drifted {
		drifted[name] = true
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED")
	for _, a := range st.Applied {
		state := "applied"
		if drifted[a.Name] {
			state = "drifted"
		}
		fmt.Fprintf(w, "%04d\t%s\t%s\t%s\n", a.Version, a.Name, state, a.AppliedAt.UTC().Format(time.RFC3339))
	}
	for _, p := range st.Pending {
		fmt.Fprintf(w, "%04d\t%s\tpending\t-\n", p.Version, p.Name)
	}
	_ = w.Flush()
	if len(st.MissingTables) > 0 {
		fmt.Fprintf(out, "missing tables: %s\n", strings.Join(st.MissingTables, ", "))
	}
}
