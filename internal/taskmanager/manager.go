// Package taskmanager owns the local agent pool: it creates one
// taskagent.Agent per configured slot, picks the least-loaded agent
// for each new task, and folds per-agent status frames and spectra
// back into views the master loop and HTTP server can read.
// See SPEC_FULL.md §4.3.
package taskmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/containerrt"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/dbhandler"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/locator"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/log"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/taskagent"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/watcher"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/workarea"
)

// AgentView is the manager's read model of one agent's current state,
// exposed to the HTTP server's /status and /tstatus handlers.
type AgentView struct {
	Name            string
	NumTasks        int
	CurrentTaskID   string
	ContainerID     string
	ContainerStatus string
	Spectrum        map[string]int
	Info            string
	New             bool
}

// TaskFrameView is the per-agent shape returned by GET /tstatus.
type TaskFrameView struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Info   string `json:"info"`
	New    bool   `json:"new"`
}

type slot struct {
	agent    *taskagent.Agent
	numTasks int32
}

// Manager owns one agent per slot name.
type Manager struct {
	wa       *workarea.WorkArea
	store    dbhandler.Store
	procArea string

	slots         []*slot
	outboxWatcher *watcher.Watcher

	mu   sync.Mutex
	info map[string]AgentView

	seq    uint64
	logger zerolog.Logger
}

// New builds a Manager with one agent per name in agentNames.
func New(agentNames []string, wa *workarea.WorkArea, rt *containerrt.Runtime, procArea string, store dbhandler.Store) (*Manager, error) {
	outboxWatcher, err := watcher.New(wa.Outbox())
	if err != nil {
		return nil, fmt.Errorf("watch outbox: %w", err)
	}

	m := &Manager{
		wa:            wa,
		store:         store,
		procArea:      procArea,
		outboxWatcher: outboxWatcher,
		info:          make(map[string]AgentView, len(agentNames)),
		logger:        log.WithComponent("taskmanager"),
	}
	for _, name := range agentNames {
		a := taskagent.New(name, wa, rt, procArea)
		m.slots = append(m.slots, &slot{agent: a})
		m.info[name] = AgentView{Name: name, Spectrum: map[string]int{}}
	}
	return m, nil
}

// Start launches every agent's loop.
func (m *Manager) Start(ctx context.Context) {
	for _, s := range m.slots {
		go s.agent.Run(ctx)
	}
}

// Close stops watching the outbox.
func (m *Manager) Close() error {
	return m.outboxWatcher.Close()
}

// Schedule picks the agent with the minimum num_tasks counter (ties
// broken by lowest index), creates the task id and folder tree, links
// the input product in, copies the processor's default config, and
// pushes the work item onto the winning agent's in-queue.
func (m *Manager) Schedule(product model.Product, processor string) error {
	winner := m.selectAgent()

	seq := atomic.AddUint64(&m.seq, 1)
	taskID := fmt.Sprintf("%s_%s-%04d", winner.agent.Name(), time.Now().UTC().Format("20060102T150405"), seq%10000)
	taskFolder := m.wa.TaskFolder(taskID)

	if err := workarea.InitTaskFolder(taskFolder); err != nil {
		atomic.AddInt32(&winner.numTasks, -1)
		return fmt.Errorf("init task folder: %w", err)
	}

	inDst := filepath.Join(taskFolder, "in", product.Basename)
	if err := locator.Relocate(locator.Link, product.Path, inDst); err != nil {
		return fmt.Errorf("link input product: %w", err)
	}

	cfgSrc := filepath.Join(m.procArea, processor, "sample.cfg.json")
	cfgDst := filepath.Join(taskFolder, processor+".cfg")
	if err := locator.Relocate(locator.Copy, cfgSrc, cfgDst); err != nil {
		return fmt.Errorf("copy processor config: %w", err)
	}

	winner.agent.InQueue <- taskagent.WorkItem{TaskID: taskID, TaskFolder: taskFolder, Processor: processor}

	m.mu.Lock()
	view := m.info[winner.agent.Name()]
	view.NumTasks = int(atomic.LoadInt32(&winner.numTasks))
	view.CurrentTaskID = taskID
	m.info[winner.agent.Name()] = view
	m.mu.Unlock()

	return nil
}

// selectAgent returns the slot with the minimum num_tasks counter,
// ties broken by lowest index, and pre-increments its counter so
// concurrent Schedule calls don't pile onto the same agent.
func (m *Manager) selectAgent() *slot {
	best := m.slots[0]
	bestLoad := atomic.LoadInt32(&best.numTasks)
	for _, s := range m.slots[1:] {
		if load := atomic.LoadInt32(&s.numTasks); load < bestLoad {
			best, bestLoad = s, load
		}
	}
	atomic.AddInt32(&best.numTasks, 1)
	return best
}

// UpdateTasksInfo drains every agent's task-queue frame by frame,
// updates the agent view, and persists each frame via the database
// handler: StoreTask for a just-created task, UpdateTask otherwise.
func (m *Manager) UpdateTasksInfo() {
	for _, s := range m.slots {
		for {
			select {
			case frame := <-s.agent.TaskCh:
				m.applyFrame(s.agent.Name(), frame)
			default:
				goto nextAgent
			}
		}
	nextAgent:
	}
}

func (m *Manager) applyFrame(agentName string, frame model.StatusFrame) {
	status, _ := model.ParseTaskStatus(frame.Status)

	m.mu.Lock()
	view := m.info[agentName]
	view.CurrentTaskID = frame.TaskID
	view.ContainerID = frame.ContainerID
	view.ContainerStatus = frame.Status
	view.Info = frame.Inspect
	view.New = true
	m.info[agentName] = view
	m.mu.Unlock()

	task := model.Task{
		ID:          frame.TaskID,
		ContainerID: frame.ContainerID,
		Status:      status,
		Progress:    frame.Progress,
		Info:        frame.Inspect,
	}

	var err error
	if frame.JustCreated {
		err = m.store.StoreTask(task)
	} else {
		err = m.store.UpdateTask(task)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("task_id", frame.TaskID).Msg("persist task frame")
	}
}

// RetrieveOutputs drains the outbox directory watcher and appends
// every newly seen file path to outQueue.
func (m *Manager) RetrieveOutputs(outQueue *[]string) {
	for _, ev := range m.outboxWatcher.Drain() {
		if !ev.IsDir {
			*outQueue = append(*outQueue, ev.Path)
		}
	}
}

// AgentSpectra drains every agent's out-queue and returns the most
// recent spectrum each agent has published. It implements
// metrics.SpectrumSource.
func (m *Manager) AgentSpectra() map[string]map[string]int {
	out := make(map[string]map[string]int, len(m.slots))
	for _, s := range m.slots {
		spectrum := m.drainLatestSpectrum(s.agent)
		if spectrum == nil {
			m.mu.Lock()
			spectrum = m.info[s.agent.Name()].Spectrum
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			view := m.info[s.agent.Name()]
			view.Spectrum = spectrum
			m.info[s.agent.Name()] = view
			m.mu.Unlock()

			if err := m.store.SaveTaskStatusSpectra(s.agent.Name(), spectrum); err != nil {
				m.logger.Error().Err(err).Str("agent", s.agent.Name()).Msg("persist agent spectrum")
			}
		}
		out[s.agent.Name()] = spectrum
	}
	return out
}

func (m *Manager) drainLatestSpectrum(a *taskagent.Agent) map[string]int {
	var latest map[string]int
	for {
		select {
		case update := <-a.SpecCh:
			latest = update.Counts
		default:
			return latest
		}
	}
}

// TaskStatuses returns the GET /tstatus view: one frame per agent,
// naming the agent's current task id, status and raw inspect info.
// New is true if at least one status frame (including a repeat of the
// same status from a later poll) was applied for that agent since the
// previous call; this call clears it, so a polling gather sweep
// (§4.7 step 8) can tell a fresh frame from one it already persisted.
func (m *Manager) TaskStatuses() map[string]TaskFrameView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TaskFrameView, len(m.info))
	for name, view := range m.info {
		out[name] = TaskFrameView{
			TaskID: view.CurrentTaskID,
			Status: view.ContainerStatus,
			Info:   view.Info,
			New:    view.New,
		}
		if view.New {
			view.New = false
			m.info[name] = view
		}
	}
	return out
}

// AgentsInfo returns a snapshot of every agent's view plus the host's
// machine load averages and kernel identification string, matching
// the GET /status contract.
func (m *Manager) AgentsInfo() map[string]interface{} {
	m.mu.Lock()
	agents := make(map[string]AgentView, len(m.info))
	for k, v := range m.info {
		agents[k] = v
	}
	m.mu.Unlock()

	return map[string]interface{}{
		"agents":  agents,
		"machine": machineInfo(),
	}
}

func machineInfo() map[string]interface{} {
	return map[string]interface{}{
		"load":  readLoadAvg(),
		"uname": unameString(),
	}
}

func readLoadAvg() [3]float64 {
	var out [3]float64
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return out
	}
	fields := strings.Fields(string(data))
	for i := 0; i < 3 && i < len(fields); i++ {
		fmt.Sscanf(fields[i], "%f", &out[i])
	}
	return out
}
