// Command reconcile checks every profile against the role partition tables
// and optionally repairs drift. It prints a JSON summary and exits non-zero
// when inconsistencies remain.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"ngoportal.org/internal/reconcile"
	"ngoportal.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("PORTAL_PG_DSN"), "PostgreSQL DSN")
		repair  = flag.Bool("repair", false, "rewrite partition rows to match profiles")
		user    = flag.String("user", "", "limit to one identity id")
		verbose = flag.BoolP("verbose", "v", false, "include per-identity reports")
		timeout = flag.Duration("timeout", 5*time.Minute, "overall deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or PORTAL_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	rec, err := reconcile.New(store, store)
	if err != nil {
		log.Fatalf("reconciler: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *user != "" {
		check := rec.Check
		if *repair {
			check = rec.Repair
		}
		rep, err := check(ctx, *user)
		if err != nil {
			log.Fatalf("reconcile %s: %v", *user, err)
		}
		_ = enc.Encode(rep)
		if !*repair && !rep.Consistent() {
			os.Exit(1)
		}
		return
	}

	sum, err := rec.Scan(ctx, *repair)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	if !*verbose {
		sum.Reports = nil
	}
	_ = enc.Encode(sum)
	if sum.Failed > 0 || (!*repair && sum.Inconsistent > 0) {
		os.Exit(1)
	}
}
