// Command agentkernel runs the deterministic kernel runtime described by
// this module: a content-addressed store, an append-only journal, a
// workflow runtime, an effect/receipt pipeline, and a governance loop,
// wired together by pkg/kernel.
//
// Grounded on the teacher's cmd/helm/main.go Run dispatcher (args[1]
// command switch, default-to-serve, ANSI usage banner); trimmed to the
// commands this kernel actually implements.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mindburn-labs/agentkernel/internal/config"
	"github.com/mindburn-labs/agentkernel/pkg/capability"
	"github.com/mindburn-labs/agentkernel/pkg/clock"
	"github.com/mindburn-labs/agentkernel/pkg/effect"
	"github.com/mindburn-labs/agentkernel/pkg/governance"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/kernel"
	"github.com/mindburn-labs/agentkernel/pkg/manifestdef"
	"github.com/mindburn-labs/agentkernel/pkg/receipt"
	"github.com/mindburn-labs/agentkernel/pkg/scheduler"
	"github.com/mindburn-labs/agentkernel/pkg/snapshot"
	"github.com/mindburn-labs/agentkernel/pkg/store"
	"github.com/mindburn-labs/agentkernel/pkg/telemetry"
	"github.com/mindburn-labs/agentkernel/pkg/workflow"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the command dispatcher, factored out of main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve":
		return runServe(stdout, stderr)
	case "doctor":
		return runDoctor(stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "agentkernel - a deterministic agent operating system kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  agentkernel <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve    run the kernel (default)")
	fmt.Fprintln(w, "  doctor   check configuration and exit")
	fmt.Fprintln(w, "  help     show this message")
}

func runDoctor(stdout io.Writer) int {
	cfg := config.Load()
	fmt.Fprintf(stdout, "listen_addr=%s log_level=%s data_dir=%s shadow_mode=%v\n",
		cfg.ListenAddr, cfg.LogLevel, cfg.DataDir, cfg.ShadowMode)
	return 0
}

// bootstrapManifest is the minimal manifest a fresh kernel starts with: no
// modules, activated once an operator proposes and approves one through
// the governance loop.
func bootstrapManifest() *manifestdef.Manifest {
	return &manifestdef.Manifest{APIVersion: "v1"}
}

func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{}))
	logger.Info("agentkernel starting", "listen_addr", cfg.ListenAddr, "data_dir", cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, &telemetry.Config{Enabled: false})
	if err != nil {
		fmt.Fprintf(stderr, "agentkernel: init telemetry: %v\n", err)
		return 1
	}
	defer tel.Shutdown(context.Background())

	st := store.NewInMemory()
	j := journal.NewInMemory()
	eff := effect.NewManager()
	caps := capability.NewResolver([]byte(capabilitySigningKey(cfg)))

	router := workflow.NewRouter()
	wfRuntime := workflow.NewRuntime(st, j, eff, caps, workflow.MapRegistry{}, router, nil)

	sched := scheduler.New()
	recPipeline := receipt.NewPipeline(kernel.NewOriginRecovery(j), 512)
	snapRegistry := snapshot.NewRegistry(st, j)

	kp, err := governance.NewMemoryKeyProvider()
	if err != nil {
		fmt.Fprintf(stderr, "agentkernel: init governance keyring: %v\n", err)
		return 1
	}
	keyring := governance.NewKeyring(kp)
	gov := governance.NewGovernor(st, j, keyring,
		governance.QuorumPolicy{Threshold: cfg.GovernanceQuorum}, snapRegistry, nil, nil)

	k := kernel.New(kernel.Config{
		Store:     st,
		Journal:   j,
		Effects:   eff,
		Caps:      caps,
		Workflow:  wfRuntime,
		Scheduler: sched,
		Receipts:  recPipeline,
		Governor:  gov,
		Snapshots: snapRegistry,
		Clock:     clock.New(0),
		Telemetry: tel,
		Manifest:  bootstrapManifest(),
	})

	// Find the latest promotable baseline (if any survived from a prior
	// process against this store/journal) and replay the journal tail onto
	// it, per spec §4.11's Startup rule, before accepting new ingress.
	if err := k.Startup(ctx); err != nil {
		fmt.Fprintf(stderr, "agentkernel: startup replay: %v\n", err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	logger.Info("agentkernel ready", "journal_height", k.Heights())
	<-sig
	logger.Info("agentkernel shutting down")
	return 0
}

// capabilitySigningKey returns the key the capability resolver signs
// handles with. A process without AGENTKERNEL_CAP_SIGNING_KEY set gets a
// fresh ephemeral key every start, which is fine for a single process but
// means handles don't survive a restart; operators deploying more than one
// kernel instance must set it explicitly so handles remain verifiable
// across restarts and across instances.
func capabilitySigningKey(cfg *config.Config) string {
	if k := os.Getenv("AGENTKERNEL_CAP_SIGNING_KEY"); k != "" {
		return k
	}
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
