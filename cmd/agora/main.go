// Command agora runs a multi-agent coordination demo: it spins up the
// coordination core, registers one worker per built-in role, submits a
// pipeline of dependent tasks, and prints the outcome.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jllopis/agora/pkg/config"
	"github.com/jllopis/agora/pkg/coordinator"
	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/pipeline"
	"github.com/jllopis/agora/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help" || args[0] == "help") {
		printUsage()
		return
	}

	command := "run"
	if len(args) > 0 && args[0] != "--config" && args[0] != "--set" {
		command = args[0]
		args = args[1:]
	}

	cfg, err := config.LoadWithCLI(args)
	if err != nil {
		fatal(err)
	}

	log := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, telemetry.Config{
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		})
		if err != nil {
			fatal(err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	c, err := coordinator.New(cfg, coordinator.WithLogger(log))
	if err != nil {
		fatal(err)
	}
	if err := c.Start(ctx); err != nil {
		fatal(err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = c.Shutdown(sctx)
	}()

	switch command {
	case "run":
		err = runDemo(ctx, c)
	case "pipeline":
		err = runPipelineFile(ctx, c, args)
	case "version":
		fmt.Println("agora", version)
		return
	default:
		printUsage()
		fatal(fmt.Errorf("unknown command %q", command))
	}
	if err != nil {
		fatal(err)
	}
}

// runDemo submits the built-in research pipeline over the four
// built-in roles.
func runDemo(ctx context.Context, c *coordinator.Coordinator) error {
	roles := []struct {
		role core.Role
		caps []string
	}{
		{core.RoleResearcher, []string{"gather_data"}},
		{core.RoleAnalyzer, []string{"analyze_data"}},
		{core.RolePlanner, []string{"create_strategy"}},
		{core.RoleExecutor, []string{"implement_plan"}},
	}
	for _, r := range roles {
		if _, err := c.SpawnWorker(ctx, r.role, r.caps, nil); err != nil {
			return err
		}
	}

	p := &pipeline.Pipeline{
		Name: "market-entry",
		Tasks: []pipeline.TaskSpec{
			{ID: "research", Action: "gather_data", Capability: "gather_data", Priority: 8,
				Params: map[string]any{"topic": "market size"}},
			{ID: "analysis", Action: "analyze_data", Capability: "analyze_data", Priority: 6,
				DependsOn: []string{"research"}},
			{ID: "strategy", Action: "create_strategy", Capability: "create_strategy", Priority: 4,
				DependsOn: []string{"analysis"}},
			{ID: "execution", Action: "implement_plan", Capability: "implement_plan", Priority: 2,
				DependsOn: []string{"strategy"}},
		},
	}
	return runPipeline(ctx, c, p)
}

// runPipelineFile loads a pipeline from the path given after the
// subcommand and runs it. Agents must cover the declared capabilities,
// so one worker per distinct capability is spawned with the matching
// built-in role when one exists.
func runPipelineFile(ctx context.Context, c *coordinator.Coordinator, args []string) error {
	var path string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" || args[i] == "--set" {
			i++
			continue
		}
		path = args[i]
		break
	}
	if path == "" {
		return fmt.Errorf("usage: agora pipeline <file.yaml>")
	}
	p, err := pipeline.Load(path)
	if err != nil {
		return err
	}

	builtin := map[string]core.Role{
		"gather_data":     core.RoleResearcher,
		"analyze_data":    core.RoleAnalyzer,
		"create_strategy": core.RolePlanner,
		"implement_plan":  core.RoleExecutor,
	}
	seen := make(map[string]bool)
	for _, task := range p.Tasks {
		if seen[task.Capability] {
			continue
		}
		seen[task.Capability] = true
		role, ok := builtin[task.Capability]
		if !ok {
			return fmt.Errorf("no built-in role covers capability %q", task.Capability)
		}
		if _, err := c.SpawnWorker(ctx, role, []string{task.Capability}, nil); err != nil {
			return err
		}
	}
	return runPipeline(ctx, c, p)
}

func runPipeline(ctx context.Context, c *coordinator.Coordinator, p *pipeline.Pipeline) error {
	start := time.Now()
	ids, err := c.SubmitPipeline(ctx, p)
	if err != nil {
		return err
	}
	fmt.Printf("pipeline %q submitted: %d tasks\n\n", p.Name, len(ids))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := c.WaitForTasks(waitCtx, ids); err != nil {
		return err
	}

	printTasks(c)
	printAgents(c)

	final := ids[len(ids)-1]
	task, err := c.Task(final)
	if err != nil {
		return err
	}
	if task.Result != nil {
		out, _ := json.MarshalIndent(task.Result, "", "  ")
		fmt.Printf("\nfinal result (%s):\n%s\n", final, out)
	}
	fmt.Printf("\ndone in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func printTasks(c *coordinator.Coordinator) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tAGENT\tRETRIES\tERROR")
	for _, task := range c.Tasks() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			task.ID, task.Status, task.AssignedTo, task.Retries, task.Error)
	}
	w.Flush()
}

func printAgents(c *coordinator.Coordinator) {
	agents := c.Agents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tROLE\tSTATUS\tHANDLED\tCAPABILITIES")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n",
			a.ID, a.Role, a.Status, a.TasksHandled, a.Capabilities)
	}
	w.Flush()
}

func printUsage() {
	fmt.Println(`agora - multi-agent coordination demo

Usage:
  agora [run] [--config file] [--set key=value]...
  agora pipeline <file.yaml> [--config file] [--set key=value]...
  agora version

Commands:
  run       run the built-in market-entry demo pipeline (default)
  pipeline  run a pipeline loaded from a YAML or JSON file
  version   print the version`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
