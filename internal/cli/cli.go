package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"clipfarm/manager-go/internal/config"
	"clipfarm/manager-go/internal/utils"
)

var stdout io.Writer = os.Stdout

func Run(args []string) int {
	// Support a global --verbose flag anywhere in the argv (before or after the command).
	// The stdlib flag parser stops at the first non-flag argument.
	args, globalVerbose := extractGlobalVerbose(args)
	utils.ConfigureLogging(globalVerbose)

	if len(args) < 2 {
		printUsage()
		return 1
	}
	if args[1] == "-h" || args[1] == "--help" || args[1] == "help" {
		printUsage()
		return 0
	}

	cmd := args[1]
	cmdArgs := args[2:]
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	utils.Logf("manager: config loaded env=%s hostname=%s worker=%s", cfg.AppEnv, cfg.Hostname, cfg.WorkerID)

	a := &app{cfg: cfg}
	defer a.close()

	utils.Logf("manager: cmd=%s args=%v", cmd, cmdArgs)
	if err := run(ctx, a, cmdArgs); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"automation:run":    runAutomation,
	"automation:serve":  runServe,
	"dashboard:serve":   runServe,
	"clips:generate":    runClipsGenerate,
	"clips:post":        runClipsPost,
	"queue:list":        runQueueList,
	"queue:dead-letter": runQueueDeadLetter,
	"queue:requeue":     runQueueRequeue,
	"accounts:health":   runAccountsHealth,
	"accounts:init":     runAccountsInit,
	"db:migrate":        runDBMigrate,
	"db:analytics":      runDBAnalytics,
}

func printUsage() {
	fmt.Println("Usage: manager [--verbose] <command> [options]")
	fmt.Println("")
	fmt.Println("Automation:")
	fmt.Println("  automation:run [--no-auto-post] [--run-once] [--headless] [--triggers]")
	fmt.Println("  automation:serve [--listen :5000] [--no-auto-post] [--headless] [--triggers]")
	fmt.Println("  dashboard:serve  (alias of automation:serve)")
	fmt.Println("")
	fmt.Println("Clips:")
	fmt.Println("  clips:generate")
	fmt.Println("  clips:post [--no-delay] [--headless]")
	fmt.Println("")
	fmt.Println("Queue:")
	fmt.Println("  queue:list")
	fmt.Println("  queue:dead-letter")
	fmt.Println("  queue:requeue <id>")
	fmt.Println("")
	fmt.Println("Accounts:")
	fmt.Println("  accounts:health")
	fmt.Println("  accounts:init")
	fmt.Println("")
	fmt.Println("Database:")
	fmt.Println("  db:migrate")
	fmt.Println("  db:analytics")
}

func extractGlobalVerbose(args []string) ([]string, bool) {
	if len(args) == 0 {
		return args, false
	}
	verbose := false
	out := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg == "--verbose" || arg == "-verbose":
			verbose = true
			continue
		case strings.HasPrefix(arg, "--verbose="):
			raw := strings.TrimPrefix(arg, "--verbose=")
			if parsed, err := strconv.ParseBool(raw); err == nil {
				verbose = parsed
			}
			continue
		case strings.HasPrefix(arg, "-verbose="):
			raw := strings.TrimPrefix(arg, "-verbose=")
			if parsed, err := strconv.ParseBool(raw); err == nil {
				verbose = parsed
			}
			continue
		default:
			out = append(out, arg)
		}
	}
	return out, verbose
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
