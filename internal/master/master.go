// Package master implements the per-node coordinator loop described in
// SPEC_FULL.md §4.7: it ingests products, schedules local work, and —
// on the commander node only — balances incoming products across the
// processing network and gathers peer node status. Every other
// component (watchers, task manager, orchestrator, database handler,
// HTTP client) is a dependency injected at construction; this package
// only sequences them.
package master

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/dbhandler"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/httpclient"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/locator"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/log"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/metrics"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/nameparser"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/network"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/orchestrator"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/taskmanager"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/watcher"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/workarea"
)

// SelectionMode picks which node a commander routes a product to.
type SelectionMode int

const (
	SelectSequential  SelectionMode = 0
	SelectLoadBalance SelectionMode = 1
	SelectRandom      SelectionMode = 2
)

// gatherEvery matches §4.7 steps 5 and 8: agent-info folding and the
// commander's peer-status gather both run every 5th iteration.
const gatherEvery = 5

// nodeStatusEntry is the commander's last-known view of one node,
// preserved across gather sweeps that don't get a response (§4.7 step 8).
type nodeStatusEntry struct {
	info     map[string]interface{}
	tasks    map[string]httpclient.TaskFrame
	numTasks int
}

// Master runs the main coordinator loop for one node.
type Master struct {
	wa     *workarea.WorkArea
	net    *network.Network
	parser *nameparser.Parser
	orch   *orchestrator.Orchestrator
	mgr    *taskmanager.Manager
	store  dbhandler.Store
	client *httpclient.Client

	mode      SelectionMode
	heartbeat time.Duration

	inboxWatcher  *watcher.Watcher
	reprocWatcher *watcher.Watcher

	productList           []string
	productsForProcessing []string

	lastNodeUsed int
	nodeStatus   map[string]nodeStatusEntry
	rng          *rand.Rand

	iteration uint64
	logger    zerolog.Logger
}

// New builds a Master for this node. wa must already be initialized.
func New(
	wa *workarea.WorkArea,
	net *network.Network,
	parser *nameparser.Parser,
	orch *orchestrator.Orchestrator,
	mgr *taskmanager.Manager,
	store dbhandler.Store,
	mode SelectionMode,
	heartbeat time.Duration,
) (*Master, error) {
	inboxWatcher, err := watcher.New(wa.Inbox())
	if err != nil {
		return nil, fmt.Errorf("watch inbox: %w", err)
	}
	reprocWatcher, err := watcher.New(wa.Reproc())
	if err != nil {
		inboxWatcher.Close()
		return nil, fmt.Errorf("watch reproc: %w", err)
	}

	return &Master{
		wa:            wa,
		net:           net,
		parser:        parser,
		orch:          orch,
		mgr:           mgr,
		store:         store,
		client:        httpclient.New(),
		mode:          mode,
		heartbeat:     heartbeat,
		inboxWatcher:  inboxWatcher,
		reprocWatcher: reprocWatcher,
		nodeStatus:    make(map[string]nodeStatusEntry),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:        log.WithComponent("master"),
	}, nil
}

// Close releases the directory watchers.
func (m *Master) Close() error {
	m.inboxWatcher.Close()
	m.reprocWatcher.Close()
	return nil
}

// Run drives the main loop until ctx is cancelled. A ticker is used
// rather than a manual sleep loop so a slow iteration naturally skips
// ticks that have already elapsed instead of queuing them up (§4.7
// step 9).
func (m *Master) Run(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Master) tick(ctx context.Context) {
	m.iteration++

	m.ingest()
	m.schedule(ctx)

	if m.iteration%gatherEvery == 0 {
		m.foldSelfAgentInfo()
	}

	m.drainOutputs(ctx)
	m.mgr.UpdateTasksInfo()

	if m.net.IsCommander(m.net.Self().Name) && m.iteration%gatherEvery == 0 {
		m.gather(ctx)
	}
}

// ingest drains the inbox and reprocess watchers into productList.
func (m *Master) ingest() {
	for _, ev := range m.inboxWatcher.Drain() {
		if ev.IsDir {
			continue
		}
		m.productList = append(m.productList, ev.Path)
		metrics.ProductsIngested.WithLabelValues("inbox").Inc()
	}
	for _, ev := range m.reprocWatcher.Drain() {
		if ev.IsDir {
			continue
		}
		m.productList = append(m.productList, ev.Path)
		metrics.ProductsIngested.WithLabelValues("reproc").Inc()
	}
}

// schedule implements §4.7 step 2: the commander routes productList
// through distribute(); every other node processes everything it
// ingested itself.
func (m *Master) schedule(ctx context.Context) {
	selfName := m.net.Self().Name
	if m.net.IsCommander(selfName) {
		m.distribute(ctx)
	} else {
		m.productsForProcessing = append(m.productsForProcessing, m.productList...)
		m.productList = nil
	}

	pending := m.productsForProcessing
	m.productsForProcessing = nil

	for _, path := range pending {
		product, ok := m.reparse(path)
		if !ok {
			continue
		}

		archived := filepath.Join(m.wa.Archive(), product.Basename)
		if err := locator.Relocate(locator.Link, path, archived); err != nil {
			m.logger.Error().Err(err).Str("path", path).Msg("archive product")
			continue
		}

		timer := metrics.NewTimer()
		fired := m.orch.Schedule(product)
		timer.ObserveDuration(metrics.SchedulingLatency)

		if !fired {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.logger.Warn().Err(err).Str("path", path).Msg("unlink unscheduled product")
			}
		}
	}
}

// reparse re-derives product metadata from disk, since a product may
// have been renamed since it was first ingested (version assignment
// in distribute()).
func (m *Master) reparse(path string) (model.Product, bool) {
	info, err := os.Stat(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("product disappeared before re-parse")
		return model.Product{}, false
	}
	product, ok := m.parser.Parse(path, true, info.Size())
	if !ok {
		m.logger.Error().Str("path", path).Msg("product failed filename grammar on re-parse")
		return model.Product{}, false
	}
	return product, true
}

// distribute implements §4.7 step 3: the commander assigns every
// ingested product to a node, handling version assignment and the
// all-JSON-to-commander pinning rule before dispatching.
func (m *Master) distribute(ctx context.Context) {
	pending := m.productList
	m.productList = nil

	selfName := m.net.Self().Name

	for _, path := range pending {
		product, ok := m.reparse(path)
		if !ok {
			metrics.ProductsDropped.WithLabelValues("inbox").Inc()
			continue
		}

		if product.NeedsVersion {
			renamed, err := m.assignVersion(product)
			if err != nil {
				m.logger.Error().Err(err).Str("path", path).Msg("assign product version")
				continue
			}
			// The renamed file is re-parsed and dispatched on the
			// next iteration, not this one.
			m.productList = append(m.productList, renamed)
			continue
		}

		target := selfName
		if product.Format != "JSON" {
			target = m.selectNode()
		}

		if target == selfName {
			m.productsForProcessing = append(m.productsForProcessing, path)
			continue
		}

		m.dispatchToNode(ctx, target, path, product)
	}
}

// assignVersion requests the next version counter for the product's
// processing function and renames the file in place to
// "<sname>_<ver>.<ext>" per §4.7 step 3.
func (m *Master) assignVersion(product model.Product) (string, error) {
	ver, err := m.store.GetVersionCounter(product.ProcFunc)
	if err != nil {
		return "", fmt.Errorf("get version counter: %w", err)
	}

	ext := filepath.Ext(product.Basename)
	stem := product.Basename[:len(product.Basename)-len(ext)]
	newBasename := fmt.Sprintf("%s_%02d.00%s", stem, ver, ext)
	newPath := filepath.Join(filepath.Dir(product.Path), newBasename)

	if err := os.Rename(product.Path, newPath); err != nil {
		return "", fmt.Errorf("rename %s -> %s: %w", product.Path, newPath, err)
	}
	return newPath, nil
}

// dispatchToNode POSTs the product to a foreign node's /inbox. On
// failure it falls back to processing the product locally instead of
// losing it. On success it persists the product's metadata and
// removes the local copy, since the foreign node now owns it.
func (m *Master) dispatchToNode(ctx context.Context, nodeName, path string, product model.Product) {
	node, ok := m.nodeByName(nodeName)
	if !ok {
		m.logger.Error().Str("node", nodeName).Msg("selected node not found in network table, processing locally")
		m.productsForProcessing = append(m.productsForProcessing, path)
		return
	}

	baseURL := fmt.Sprintf("http://%s:%d", node.Address, node.Port)
	if err := m.client.PostInbox(ctx, baseURL, path); err != nil {
		m.logger.Warn().Err(err).Str("node", nodeName).Str("path", path).Msg("dispatch failed, processing locally")
		metrics.DispatchFallbacks.Inc()
		metrics.ProductsDispatched.WithLabelValues(nodeName, "fallback").Inc()
		m.productsForProcessing = append(m.productsForProcessing, path)
		return
	}

	metrics.ProductsDispatched.WithLabelValues(nodeName, "ok").Inc()

	if err := m.store.StoreProducts([]model.Product{product}); err != nil {
		m.logger.Error().Err(err).Str("path", path).Msg("persist dispatched product metadata")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("path", path).Msg("unlink product after successful dispatch")
	}
}

func (m *Master) nodeByName(name string) (model.NodeSpec, bool) {
	for _, n := range m.net.Nodes() {
		if n.Name == name {
			return n, true
		}
	}
	return model.NodeSpec{}, false
}

// selectNode implements §4.7 step 4's three balancing strategies.
func (m *Master) selectNode() string {
	nodes := m.net.Nodes()
	if len(nodes) == 0 {
		return m.net.Self().Name
	}

	switch m.mode {
	case SelectSequential:
		m.lastNodeUsed = (m.lastNodeUsed + 1) % len(nodes)
		return nodes[m.lastNodeUsed].Name
	case SelectRandom:
		return nodes[m.rng.Intn(len(nodes))].Name
	default: // SelectLoadBalance
		best := 0
		bestLoad := m.nodeLoad(nodes[0].Name)
		for i := 1; i < len(nodes); i++ {
			if load := m.nodeLoad(nodes[i].Name); load < bestLoad {
				best, bestLoad = i, load
			}
		}
		return nodes[best].Name
	}
}

func (m *Master) nodeLoad(name string) int {
	if name == m.net.Self().Name {
		return m.selfLoad()
	}
	return m.nodeStatus[name].numTasks
}

func (m *Master) selfLoad() int {
	total := 0
	for _, v := range m.mgr.AgentsInfo()["agents"].(map[string]taskmanager.AgentView) {
		total += v.NumTasks
	}
	return total
}

// foldSelfAgentInfo folds the agents' latest published spectra into the
// task manager's view (which also persists them) and refreshes this
// node's own load entry, matching the every-5th-iteration cadence of
// the remote gather sweep so selectNode compares like-for-like snapshots.
func (m *Master) foldSelfAgentInfo() {
	m.mgr.AgentSpectra()
	self := m.net.Self().Name
	entry := m.nodeStatus[self]
	entry.numTasks = m.selfLoad()
	m.nodeStatus[self] = entry
}

// drainOutputs implements §4.7 step 6.
func (m *Master) drainOutputs(ctx context.Context) {
	var outQueue []string
	m.mgr.RetrieveOutputs(&outQueue)

	if m.net.IsCommander(m.net.Self().Name) {
		for _, path := range outQueue {
			m.archiveOutput(path)
		}
		return
	}

	m.forwardArchiveToCommander(ctx)
	for _, path := range outQueue {
		m.forwardOneOutput(ctx, path)
	}
}

func (m *Master) archiveOutput(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	product, ok := m.parser.Parse(path, true, info.Size())
	if ok {
		if err := m.store.StoreProducts([]model.Product{product}); err != nil {
			m.logger.Error().Err(err).Str("path", path).Msg("persist output product")
		}
	}
	dst := filepath.Join(m.wa.Archive(), filepath.Base(path))
	if err := locator.Relocate(locator.Move, path, dst); err != nil {
		m.logger.Error().Err(err).Str("path", path).Msg("move output into archive")
	}
}

func (m *Master) forwardArchiveToCommander(ctx context.Context) {
	entries, err := os.ReadDir(m.wa.Archive())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m.forwardOneOutput(ctx, filepath.Join(m.wa.Archive(), entry.Name()))
	}
}

func (m *Master) forwardOneOutput(ctx context.Context, path string) {
	commander, ok := m.nodeByName(m.net.Commander())
	if !ok {
		m.logger.Error().Str("commander", m.net.Commander()).Msg("commander not found in network table")
		return
	}
	baseURL := fmt.Sprintf("http://%s:%d", commander.Address, commander.Port)
	if err := m.client.PostOutputs(ctx, baseURL, path); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("forward output to commander failed, retrying next iteration")
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("path", path).Msg("unlink output after successful forward")
	}
}

// gather implements §4.7 step 8: poll every non-self node and merge
// the response into the commander's per-node view, preserving the
// last-known entry for any node that doesn't answer this sweep.
func (m *Master) gather(ctx context.Context) {
	selfName := m.net.Self().Name
	for _, node := range m.net.Nodes() {
		if node.Name == selfName {
			continue
		}
		baseURL := fmt.Sprintf("http://%s:%d", node.Address, node.Port)

		info, err := m.client.GetStatus(ctx, baseURL)
		if err != nil {
			m.logger.Warn().Err(err).Str("node", node.Name).Msg("gather status failed, keeping last-known entry")
			continue
		}

		tasks, err := m.client.GetTaskStatus(ctx, baseURL)
		if err != nil {
			m.logger.Warn().Err(err).Str("node", node.Name).Msg("gather task status failed, keeping last-known entry")
			continue
		}

		m.nodeStatus[node.Name] = nodeStatusEntry{
			info:     info,
			tasks:    tasks,
			numTasks: len(tasks),
		}

		for agentName, frame := range tasks {
			if !frame.New {
				continue
			}
			task := model.Task{ID: frame.TaskID, Info: frame.Info}
			task.Status, _ = model.ParseTaskStatus(frame.Status)
			if err := m.store.UpdateTask(task); err != nil {
				m.logger.Error().Err(err).Str("agent", agentName).Str("task_id", frame.TaskID).Msg("persist gathered task frame")
			}
		}
	}
}
