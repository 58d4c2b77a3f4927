// Package main provides the gotn CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/gotnhq/gotn/pkg/config"
	"github.com/gotnhq/gotn/pkg/gotn"
	"github.com/gotnhq/gotn/pkg/guard"
	"github.com/gotnhq/gotn/pkg/logging"
	"github.com/gotnhq/gotn/pkg/schema"
	"github.com/gotnhq/gotn/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gotn",
		Short: "gotn - Micro-Prompt Graph Substrate for LLM Agents",
		Long: `gotn decomposes large engineering prompts into graphs of small,
focused micro-prompts with explicit dependencies, stored durably under
a .gotn/ workspace directory.

Features:
  • Durable journaled graph storage with crash recovery
  • Tag-based and semantic edge inference
  • Topological plan composition over hard dependencies
  • Guard-gated execution with per-run audit folders
  • MCP tool server for agent integration`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.String("workspace", "", "Workspace directory holding .gotn/")
	pf.String("project", "", "Project id used as the vector namespace")
	pf.String("log-level", "", "Log level: debug, info, warn, error")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gotn v%s (%s)\n", version, commit)
		},
	})

	// Init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize a .gotn workspace",
		RunE:  runInit,
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gotn server",
		Long:  "Start the gotn server with MCP tool and HTTP API endpoints",
		RunE:  runServe,
	}
	serveCmd.Flags().String("address", "", "Bind address (default from config)")
	serveCmd.Flags().Int("port", 0, "HTTP port (default from config)")
	rootCmd.AddCommand(serveCmd)

	// Breakdown command
	breakdownCmd := &cobra.Command{
		Use:   "breakdown <prompt>",
		Short: "Decompose a prompt into micro-prompt nodes",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBreakdown,
	}
	breakdownCmd.Flags().String("mode", "", "Decomposition mode: tree or flat")
	breakdownCmd.Flags().Int("max-nodes", 0, "Cap on direct children (default from config)")
	breakdownCmd.Flags().Bool("compose", false, "Compose a plan over the new nodes")
	rootCmd.AddCommand(breakdownCmd)

	// Plan command
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Compose an execution plan over the graph",
		RunE:  runPlan,
	}
	planCmd.Flags().String("goal", "", "Free-text goal recorded on the plan")
	planCmd.Flags().StringSlice("requires", nil, "Select nodes requiring any of these tags")
	planCmd.Flags().StringSlice("produces", nil, "Select nodes producing any of these tags")
	rootCmd.AddCommand(planCmd)

	// Exec command
	execCmd := &cobra.Command{
		Use:   "exec <node-id>",
		Short: "Execute one node through its guards",
		Args:  cobra.ExactArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().String("run", "", "Run id to record the step under (default: latest)")
	rootCmd.AddCommand(execCmd)

	// Trace command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "trace <node-id>",
		Short: "Show a node with its dependency neighborhood",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrace,
	})

	// Search command
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over stored nodes",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().Int("limit", 10, "Maximum number of hits")
	rootCmd.AddCommand(searchCmd)

	// Recover command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Rebuild the graph snapshot from the journal",
		RunE:  runRecover,
	})

	// Debug command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "debug",
		Short: "Show workspace state and counters",
		RunE:  runDebug,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers the persistent flags over file, environment, and
// default configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(file)
	if err != nil {
		return nil, err
	}
	if workspace, _ := cmd.Flags().GetString("workspace"); workspace != "" {
		cfg.Workspace.Path = workspace
	}
	if project, _ := cmd.Flags().GetString("project"); project != "" {
		cfg.Workspace.ProjectID = project
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

// openService builds the service for a one-shot command. Structured logs
// go to stderr; stdout stays clean for the command's own output.
func openService(cmd *cobra.Command) (*gotn.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level)
	return gotn.Open(cfg, gotn.WithLogger(logger))
}

func runInit(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Printf("📂 Initializing workspace in %s\n", svc.Workspace())
	res, err := svc.InitWorkspace(cmd.Context())
	if err != nil {
		return err
	}

	if res.Created {
		fmt.Println("✅ Workspace initialized")
	} else {
		fmt.Printf("✅ Workspace already initialized (%d nodes, %d edges)\n", res.Nodes, res.Edges)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Break down a prompt:  gotn breakdown \"<your prompt>\"")
	fmt.Println("  2. Compose a plan:       gotn plan --goal \"<goal>\"")
	fmt.Println("  3. Start the server:     gotn serve")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if address, _ := cmd.Flags().GetString("address"); address != "" {
		cfg.Server.Address = address
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	vectorBackend := "in-process"
	if cfg.Vector.RemoteEndpoint != "" {
		vectorBackend = cfg.Vector.RemoteEndpoint
	}

	fmt.Printf("🚀 Starting gotn v%s\n", version)
	fmt.Printf("   Workspace:    %s\n", cfg.Workspace.Path)
	fmt.Printf("   Project:      %s\n", cfg.Workspace.ProjectID)
	fmt.Printf("   Embedder:     %s/%s (%d dims)\n",
		cfg.EmbedderResolved(), cfg.Embedder.Model, cfg.Embedder.Dimensions)
	fmt.Printf("   Vector store: %s\n", vectorBackend)
	fmt.Printf("   HTTP API:     http://localhost:%d\n", cfg.Server.Port)
	fmt.Println()

	logger, logFile, err := logging.Open(cfg.Workspace.Path, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logFile.Close()

	fmt.Println("📂 Opening workspace...")
	svc, err := gotn.Open(cfg, gotn.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening workspace: %w", err)
	}
	defer svc.Close()

	warmCtx, cancelWarm := context.WithTimeout(cmd.Context(), 5*time.Minute)
	warmed, err := svc.WarmVectors(warmCtx)
	cancelWarm()
	if err != nil {
		return fmt.Errorf("warming vector store: %w", err)
	}
	if warmed > 0 {
		fmt.Printf("🔍 Vector store warmed (%d vectors)\n", warmed)
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Address = cfg.Server.Address
	serverConfig.Port = cfg.Server.Port

	httpServer, err := server.New(svc, serverConfig, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Println()
	fmt.Println("✅ gotn is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • MCP (JSON-RPC): POST http://localhost:%d/mcp\n", cfg.Server.Port)
	fmt.Printf("  • Graph:          GET  http://localhost:%d/graph\n", cfg.Server.Port)
	fmt.Printf("  • Health:         GET  http://localhost:%d/healthz\n", cfg.Server.Port)
	fmt.Printf("  • Status:         GET  http://localhost:%d/status\n", cfg.Server.Port)
	fmt.Printf("  • Metrics:        GET  http://localhost:%d/metrics\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	// Block until shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	fmt.Println("✅ Server stopped gracefully")
	return nil
}

func runBreakdown(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	// Warm the in-process vector store first so soft inference can see
	// nodes stored by earlier invocations.
	if _, err := svc.WarmVectors(cmd.Context()); err != nil {
		return err
	}

	mode, _ := cmd.Flags().GetString("mode")
	maxNodes, _ := cmd.Flags().GetInt("max-nodes")
	compose, _ := cmd.Flags().GetBool("compose")

	fmt.Println("🧩 Breaking down prompt...")
	res, err := svc.BreakdownPrompt(cmd.Context(), gotn.BreakdownRequest{
		Prompt:   strings.Join(args, " "),
		Mode:     mode,
		MaxNodes: maxNodes,
		Compose:  compose,
	})
	if err != nil {
		return err
	}

	fmt.Printf("✅ Created %d nodes, %d edges\n", len(res.CreatedNodeIDs), res.CreatedEdgeCount)
	fmt.Printf("   Root: %s\n", res.RootID)
	for _, id := range res.CreatedNodeIDs {
		if id == res.RootID {
			continue
		}
		fmt.Printf("   • %s\n", id)
	}
	if res.Plan != nil {
		fmt.Println()
		printPlan(res.Plan)
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	goal, _ := cmd.Flags().GetString("goal")
	requires, _ := cmd.Flags().GetStringSlice("requires")
	produces, _ := cmd.Flags().GetStringSlice("produces")

	res, err := svc.ComposePlan(cmd.Context(), gotn.PlanRequest{
		Goal:     goal,
		Requires: requires,
		Produces: produces,
	})
	if err != nil {
		return err
	}

	printPlan(res)
	fmt.Println()
	fmt.Println("Next: execute nodes in order with  gotn exec <node-id>")
	return nil
}

func printPlan(res *gotn.ComposeResult) {
	fmt.Printf("📋 Plan %s (%d nodes, %d layers)\n",
		res.RunID, len(res.Plan.Ordered), len(res.Plan.Layers))
	if res.Plan.Goal != "" {
		fmt.Printf("   Goal: %s\n", res.Plan.Goal)
	}
	for i, layer := range res.Plan.Layers {
		ids := make([]string, len(layer))
		for j, id := range layer {
			ids[j] = string(id)
		}
		fmt.Printf("   Layer %d: %s\n", i+1, strings.Join(ids, ", "))
	}
	fmt.Printf("   Run folder: %s\n", res.RunFolder)
}

func runExec(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	runID, _ := cmd.Flags().GetString("run")
	res, err := svc.ExecuteNode(cmd.Context(), schema.NodeID(args[0]), runID)
	if err != nil {
		return err
	}

	icon := "✅"
	switch res.Action {
	case string(guard.Skip):
		icon = "⏭️ "
	case string(guard.Fail):
		icon = "❌"
	}
	fmt.Printf("%s Node %s: %s (status: %s)\n", icon, res.NodeID, res.Action, res.Status)
	fmt.Printf("   Reason: %s\n", res.Reason)
	if res.PatchPath != "" {
		fmt.Printf("   Patch:  %s\n", res.PatchPath)
	}
	if res.RunID != "" {
		fmt.Printf("   Run:    %s\n", res.RunID)
	}
	if res.RunFinished {
		fmt.Println("🏁 Run finished")
	}
	return nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	tr, err := svc.TraceNode(cmd.Context(), schema.NodeID(args[0]))
	if err != nil {
		return err
	}

	n := tr.Node
	fmt.Printf("🔎 %s [%s] %s\n", n.ID, n.Status, n.Summary)
	if len(tr.Requires) > 0 {
		fmt.Printf("   Requires: %s\n", strings.Join(tr.Requires, ", "))
	}
	if len(tr.Produces) > 0 {
		fmt.Printf("   Produces: %s\n", strings.Join(tr.Produces, ", "))
	}
	if len(tr.Parents) > 0 {
		fmt.Printf("   Parents:  %s\n", joinIDs(tr.Parents))
	}
	if len(tr.Children) > 0 {
		fmt.Printf("   Children: %s\n", joinIDs(tr.Children))
	}
	if len(tr.Incoming) > 0 {
		fmt.Println("   Incoming edges:")
		for _, e := range tr.Incoming {
			fmt.Printf("     • %s [%s]%s\n", e.Src, e.Type, scoreSuffix(e.Score))
		}
	}
	if len(tr.Outgoing) > 0 {
		fmt.Println("   Outgoing edges:")
		for _, e := range tr.Outgoing {
			fmt.Printf("     • %s [%s]%s\n", e.Dst, e.Type, scoreSuffix(e.Score))
		}
	}
	if len(tr.ProofSet) > 0 {
		fmt.Printf("   Proof set: %d edges\n", len(tr.ProofSet))
	}
	return nil
}

func joinIDs(ids []schema.NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func scoreSuffix(score *float64) string {
	if score == nil {
		return ""
	}
	return fmt.Sprintf(" score=%.2f", *score)
}

func runSearch(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.WarmVectors(cmd.Context()); err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	hits, err := svc.SearchNodes(cmd.Context(), strings.Join(args, " "), limit)
	if err != nil {
		return err
	}

	if len(hits) == 0 {
		fmt.Println("No matches")
		return nil
	}
	for i, h := range hits {
		fmt.Printf("%2d. %.3f  %s  %s\n", i+1, h.Score, h.ID, h.Summary)
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Println("🔄 Replaying journal...")
	res, err := svc.Recover(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("✅ Recovered %d nodes, %d edges from %d entries\n",
		res.NodesRecovered, res.EdgesRecovered, res.Replayed)
	if res.SkippedEntries > 0 {
		fmt.Printf("   ⚠️  Skipped %d corrupt journal entries\n", res.SkippedEntries)
	}
	if res.DanglingEdges > 0 {
		fmt.Printf("   ⚠️  Detected %d dangling edges\n", res.DanglingEdges)
	}
	if res.Integrity {
		fmt.Println("   Integrity check passed")
	} else {
		fmt.Println("   Integrity check FAILED")
	}
	return nil
}

func runDebug(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	info, err := svc.Debug(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println("📊 Workspace state:")
	fmt.Printf("  Workspace:   %s\n", info.Workspace)
	fmt.Printf("  Initialized: %v\n", info.Initialized)
	if info.Initialized {
		fmt.Printf("  Graph:       version %d, %d nodes, %d edges\n",
			info.GraphVersion, info.Nodes, info.Edges)
	}
	if info.LatestRun != "" {
		fmt.Printf("  Latest run:  %s\n", info.LatestRun)
	}
	if info.VectorCount > 0 {
		fmt.Printf("  Vectors:     %d in process\n", info.VectorCount)
	}
	if info.EmbedCache != nil {
		fmt.Printf("  Embed cache: %d hits, %d misses\n",
			info.EmbedCache.Hits, info.EmbedCache.Misses)
	}

	keys := make([]string, 0, len(info.Counters))
	for k := range info.Counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("  Counters:")
	for _, k := range keys {
		fmt.Printf("    %-24s %d\n", k, info.Counters[k])
	}
	return nil
}
