// Command qpfmk runs one node of the processing network: it loads a
// config file, brings up its agent pool and HTTP surface, and drives
// the coordinator loop until told to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/config"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/containerrt"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/dbhandler"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/httpapi"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/log"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/master"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/metrics"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/nameparser"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/network"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/orchestrator"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/taskmanager"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/workarea"
)

const defaultHeartbeat = 1 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "qpfmk",
	Short:         "Quick Look Pipeline Framework node",
	Long:          "qpfmk runs one commander or worker node of the processing network.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "path to the node's JSON config file (required)")
	flags.StringP("node-id", "i", "", "this node's id, as it appears in network.processingNodes")
	flags.IntP("port", "p", 0, "HTTP bind port (overrides network.processingNodes[id].port)")
	flags.StringP("work-area", "w", "", "work area root directory (overrides general.workArea)")
	flags.IntP("balance", "b", 1, "distribution mode: 0 sequential, 1 load-balance, 2 random")
	flags.CountP("verbose", "v", "increase log verbosity (-v debug, -vv ... same as -v here)")
	_ = rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	cfgPath, _ := flags.GetString("config")
	nodeID, _ := flags.GetString("node-id")
	portFlag, _ := flags.GetInt("port")
	workAreaFlag, _ := flags.GetString("work-area")
	balanceFlag, _ := flags.GetInt("balance")
	verbosity, _ := flags.GetCount("verbose")

	if nodeID == "" {
		return fmt.Errorf("-i/--node-id is required")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logLevel := log.Level(cfg.General.LogLevel)
	if verbosity > 0 {
		logLevel = log.DebugLevel
	}
	log.Init(log.Config{Level: logLevel})
	logger := log.WithNode(nodeID)

	workAreaRoot := cfg.General.WorkArea
	if workAreaFlag != "" {
		workAreaRoot = workAreaFlag
	}
	wa := workarea.New(workAreaRoot)
	if err := wa.Init(); err != nil {
		return fmt.Errorf("initialize work area: %w", err)
	}

	nodes, selfEntry, err := nodeTable(cfg, nodeID)
	if err != nil {
		return err
	}

	net, err := network.New(cfg.Network.Commander, nodes, nodeID)
	if err != nil {
		return err
	}

	store, err := dbhandler.NewBoltStore(wa.Root)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	aborted, err := store.RetrieveRestartableTasks()
	if err != nil {
		logger.Error().Err(err).Msg("retrieve restartable tasks")
	} else if len(aborted) > 0 {
		logger.Warn().Int("count", len(aborted)).Msg("marked tasks left SCHEDULED or RUNNING by a previous crash as ABORTED")
	}

	parser := nameparser.New(nil)

	rules := make([]model.Rule, len(cfg.Orchestration.Rules))
	for i, r := range cfg.Orchestration.Rules {
		rules[i] = model.Rule{Name: r.Name, Inputs: r.Inputs, Processing: r.Processing}
	}

	procArea := wa.Bin()
	rt := containerrt.New("docker")
	mgr, err := taskmanager.New(net.AgentNames(nodeID), wa, rt, procArea, store)
	if err != nil {
		return fmt.Errorf("start task manager: %w", err)
	}
	defer mgr.Close()

	orch := orchestrator.New(rules, cfg.Orchestration.Processors, mgr)

	mode := master.SelectionMode(balanceFlag)
	heartbeat := defaultHeartbeat
	if cfg.General.MasterHeartBeat > 0 {
		heartbeat = time.Duration(cfg.General.MasterHeartBeat) * time.Millisecond
	}

	mst, err := master.New(wa, net, parser, orch, mgr, store, mode, heartbeat)
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer mst.Close()

	port := selfEntry.Port
	if portFlag != 0 {
		port = portFlag
	}
	httpAddr := fmt.Sprintf(":%d", port)
	srv := httpapi.New(httpAddr, wa, mgr)

	ctx, stop := signalContext()
	defer stop()

	mgr.Start(ctx)
	go mst.Run(ctx)

	if cfg.General.MetricsPort > 0 {
		go serveMetrics(cfg.General.MetricsPort)
	}

	logger.Info().Str("addr", httpAddr).Str("commander", cfg.Network.Commander).
		Bool("is_commander", net.IsCommander(nodeID)).Msg("qpfmk node starting")

	return srv.Run(ctx)
}

// nodeTable turns the config's processingNodes map into the ordered
// slice network.New expects, sorted by name for deterministic agent
// name indexing across restarts and across nodes.
func nodeTable(cfg *config.Config, selfID string) ([]model.NodeSpec, config.NodeEntry, error) {
	names := make([]string, 0, len(cfg.Network.ProcessingNodes))
	for name := range cfg.Network.ProcessingNodes {
		names = append(names, name)
	}
	sort.Strings(names)

	nodes := make([]model.NodeSpec, len(names))
	var self config.NodeEntry
	var found bool
	for i, name := range names {
		entry := cfg.Network.ProcessingNodes[name]
		nodes[i] = model.NodeSpec{Name: name, Address: entry.Address, Port: entry.Port, Agents: entry.Agents}
		if name == selfID {
			self = entry
			found = true
		}
	}
	if !found {
		return nil, config.NodeEntry{}, fmt.Errorf("node id %q not present in network.processingNodes", selfID)
	}
	return nodes, self, nil
}

// signalContext cancels on SIGTERM only. SIGINT is deliberately left
// unhandled: qpfmk is meant to run as a supervised long-lived service,
// not to be Ctrl-C'd from an interactive shell.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func serveMetrics(port int) {
	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
	}
}
