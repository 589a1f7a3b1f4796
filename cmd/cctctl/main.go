// cctctl is a small operator CLI for the consent engine: it can run a
// self-contained demo of the full consent lifecycle and verify the integrity
// of a persisted audit chain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/consense-labs/cct/pkg/anchor"
	"github.com/consense-labs/cct/pkg/cct"
	"github.com/consense-labs/cct/pkg/config"
	"github.com/consense-labs/cct/pkg/consense"
	"github.com/consense-labs/cct/pkg/guard"
	"github.com/consense-labs/cct/pkg/parcel"
	"github.com/consense-labs/cct/pkg/service"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "demo":
		return runDemo(args[2:], stdout, stderr)
	case "verify-chain":
		return runVerifyChain(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: cctctl <command> [flags]")
	fmt.Fprintln(w, "  demo           run the full consent lifecycle against in-memory state")
	fmt.Fprintln(w, "  verify-chain   verify a persisted audit chain (-db <sqlite file>)")
}

func runDemo(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "optional YAML config bundle")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		cfg = loaded
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	ctx := context.Background()
	keys, err := cct.NewInMemoryKeySet()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	store := parcel.NewMemoryStore(map[string][]byte{
		"a.md": []byte("# Shared notes\n\nReach me at alice@example.com.\n"),
	})
	svc, err := service.New(cfg, keys, store)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	pending, err := svc.SubmitOffer(ctx, consense.Offer{
		DDI: consense.DDI{
			Statement: "Review the shared notes",
			Outputs:   []string{"summary", "pr suggestions"},
		},
		Catalog:    []consense.CatalogEntry{{Path: "a.md", Type: "markdown"}},
		LLC:        config.LLCSession,
		Controller: "did:controller:demo",
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "offer %s accepted, draft scopes: %v\n", pending.ID, pending.Draft.Scopes)

	result, err := svc.FinalizeConsense(ctx, pending.ID, []consense.Approval{{
		Role:      "controller",
		Signer:    "did:controller:demo",
		Timestamp: time.Now().UTC(),
		Signature: "demo-signature",
	}}, pending.Draft)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "consense finalized: %s\n", result.PolicyID)

	issued, err := svc.IssueToken(ctx, result.PolicyID, []string{"agent:demo-reviewer"})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	ttl := issued.Claims.ExpiresAt.Sub(issued.Claims.IssuedAt.Time)
	fmt.Fprintf(stdout, "token issued: jti=%s ttl=%s det=%s\n",
		issued.Claims.ID, ttl, issued.Claims.Context.DETID)

	if _, err := svc.Authorize(ctx, issued.Signed, guard.Request{
		Scopes: []string{"read:repo:a.md"},
		LLC:    config.LLCSession,
	}); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, "request authorized: read:repo:a.md")

	parcels, err := svc.DeliverParcels(ctx, issued.Signed, "agent:demo-reviewer", []string{"a.md"})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for _, p := range parcels {
		fmt.Fprintf(stdout, "parcel delivered: %s hash=%s redacted=%v\n",
			p.Path, p.Hash[:16], p.Redacted)
	}

	if err := svc.RevokeToken(ctx, issued.Claims.ID, "demo complete"); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if _, err := svc.VerifyToken(ctx, issued.Signed); err == nil {
		fmt.Fprintln(stderr, "revoked token still verifies")
		return 1
	}
	fmt.Fprintln(stdout, "token revoked, verification now refused")

	report, err := svc.ExportAuditReport(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "audit chain: %d records, integrity=%v\n",
		len(report.Records), report.ChainIntegrity)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	for _, block := range report.Records {
		if err := enc.Encode(block.Record); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	return 0
}

func runVerifyChain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "path to the SQLite chain database")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dbPath == "" {
		fmt.Fprintln(stderr, "verify-chain: -db is required")
		return 2
	}

	chain, err := anchor.OpenSQLiteChain(*dbPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = chain.Close() }()

	ctx := context.Background()
	n, err := chain.Len(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := anchor.VerifyChain(ctx, chain); err != nil {
		fmt.Fprintf(stderr, "chain verification FAILED: %v\n", err)
		return 1
	}
	head, err := chain.Head(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "chain OK: %d blocks, head=%s\n", n, head)
	return 0
}
