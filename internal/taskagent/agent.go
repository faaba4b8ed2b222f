// Package taskagent runs one cooperative loop per agent slot: launch
// a container for the next backlog entry, or poll and normalize the
// status of whichever container is currently running, then publish
// the agent's spectrum and reap containers whose removal grace period
// has elapsed. See SPEC_FULL.md §4.4-§4.6.
package taskagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/containerrt"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/locator"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/log"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/spectrum"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/workarea"
)

const (
	DefaultImage      = "debian"
	ContainerRunPath  = "/qpf/run"
	ContainerProcPath = "/qlabin"

	baselineDelay = 333 * time.Millisecond
	settleDelay   = 1000 * time.Millisecond
	removalGrace  = 3 * time.Minute
)

// WorkItem is one entry pushed onto an agent's in-queue by the task
// manager: a task ready to be launched.
type WorkItem struct {
	TaskID     string
	TaskFolder string
	Processor  string
}

// TaskConfig is the per-task processor configuration, copied into the
// task folder as <processor>.cfg before launch. It doubles as the
// substitution environment for {var} and {var:a=>b,c=>d} directives.
type TaskConfig map[string]string

type removalEntry struct {
	at          time.Time
	containerID string
}

type activeTask struct {
	taskID      string
	taskFolder  string
	processor   string
	containerID string
}

// Agent is one worker slot: at most one container runs at a time.
type Agent struct {
	name     string
	workArea *workarea.WorkArea
	runtime  *containerrt.Runtime
	procArea string
	image    string

	InQueue  chan WorkItem
	TaskCh   chan model.StatusFrame
	SpecCh   chan model.SpectrumUpdate

	backlog   []WorkItem
	current   *activeTask
	spectrum  *spectrum.Spectrum
	removal   []removalEntry
	quitting  bool
	logger    zerolog.Logger
}

// New builds an idle agent. procArea is the directory containing one
// subdirectory per processor key, each holding the processor binary
// and its sample.cfg.json.
func New(name string, wa *workarea.WorkArea, rt *containerrt.Runtime, procArea string) *Agent {
	return &Agent{
		name:     name,
		workArea: wa,
		runtime:  rt,
		procArea: procArea,
		image:    DefaultImage,
		InQueue:  make(chan WorkItem, 64),
		TaskCh:   make(chan model.StatusFrame, 64),
		SpecCh:   make(chan model.SpectrumUpdate, 8),
		spectrum: spectrum.New(spectrum.DefaultWindow),
		logger:   log.WithAgent(name),
	}
}

// Run drives the agent's loop until ctx is cancelled. Quit() should
// be called before cancellation so the next iteration's status
// normalization knows to favor RUNNING over STOPPED for the
// ambiguous signal exit-code band.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(baselineDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// Name returns the agent's slot name, e.g. "TskAgent_01_02".
func (a *Agent) Name() string {
	return a.name
}

// Quit marks the agent as shutting down, affecting status
// normalization for containers that exit via SIGTERM from now on.
func (a *Agent) Quit() {
	a.quitting = true
}

func (a *Agent) tick(ctx context.Context) {
	a.drainInQueue()

	if a.current == nil && len(a.backlog) > 0 {
		a.startNext(ctx)
	} else if a.current != nil {
		a.pollCurrent(ctx)
	}

	a.publishSpectrum()
	a.reapRemovals(ctx)
}

func (a *Agent) drainInQueue() {
	for {
		select {
		case item := <-a.InQueue:
			a.backlog = append(a.backlog, item)
		default:
			return
		}
	}
}

func (a *Agent) startNext(ctx context.Context) {
	item := a.backlog[0]
	a.backlog = a.backlog[1:]

	cfg, err := loadConfig(filepath.Join(item.TaskFolder, item.Processor+".cfg"))
	if err != nil {
		a.logger.Fatal().Err(err).Str("task_id", item.TaskID).Msg("load task config")
		return
	}

	inputs, err := expandInputs(filepath.Join(item.TaskFolder, "in"), cfg["input"])
	if err != nil || len(inputs) == 0 {
		a.logger.Error().Str("task_id", item.TaskID).Msg("no inputs found for task, failing it")
		a.TaskCh <- model.StatusFrame{JustCreated: true, TaskID: item.TaskID, Progress: 0, Status: model.TaskFailed.String()}
		return
	}

	args := substituteArgs(cfg["args"], cfg)

	image := cfg["image"]
	if image == "" {
		image = a.image
	}
	exe := cfg["exe"]
	if exe == "" {
		exe = item.Processor
	}

	spec := containerrt.Spec{
		Image: image,
		Exe:   filepath.Join(ContainerProcPath, exe),
		Args:  strings.Fields(args),
		Env: map[string]string{
			"UID":   fmt.Sprintf("%d", os.Getuid()),
			"UNAME": currentUsername(),
			"WDIR":  filepath.Join(ContainerRunPath, item.TaskID),
		},
		Mounts: []containerrt.Mount{
			{Host: item.TaskFolder, Container: filepath.Join(ContainerRunPath, item.TaskID)},
			{Host: a.procArea, Container: ContainerProcPath},
		},
		Privileged: true,
	}

	containerID, err := a.runtime.Create(ctx, spec)
	if err != nil {
		a.logger.Fatal().Err(err).Str("task_id", item.TaskID).Msg("launch container")
		return
	}

	a.current = &activeTask{taskID: item.TaskID, taskFolder: item.TaskFolder, processor: item.Processor, containerID: containerID}
	a.spectrum.Append(containerID, model.TaskScheduled.String())

	a.TaskCh <- model.StatusFrame{
		JustCreated: true,
		TaskID:      item.TaskID,
		ContainerID: containerID,
		Progress:    1,
		Status:      model.TaskScheduled.String(),
	}

	time.Sleep(settleDelay)
}

func (a *Agent) pollCurrent(ctx context.Context) {
	res, err := a.runtime.Inspect(ctx, a.current.containerID)
	if err != nil {
		a.logger.Warn().Err(err).Str("container_id", a.current.containerID).Msg("inspect failed, will retry")
		return
	}

	status := containerrt.Normalize(res, a.quitting)
	a.spectrum.Append(a.current.containerID, status.String())

	a.TaskCh <- model.StatusFrame{
		JustCreated: false,
		TaskID:      a.current.taskID,
		ContainerID: a.current.containerID,
		Inspect:     res.Raw,
		Progress:    1,
		Status:      status.String(),
	}

	if status.IsTerminal() {
		a.stageOutputs(a.current.taskFolder)
		a.removal = append(a.removal, removalEntry{at: time.Now(), containerID: a.current.containerID})
		a.current = nil
	}
}

func (a *Agent) stageOutputs(taskFolder string) {
	if err := locator.RelocateGlob(locator.Move, filepath.Join(taskFolder, "log"), a.workArea.Outbox()); err != nil {
		a.logger.Warn().Err(err).Msg("stage logs to outbox")
	}
	if err := locator.RelocateGlob(locator.Move, filepath.Join(taskFolder, "out"), a.workArea.Inbox()); err != nil {
		a.logger.Warn().Err(err).Msg("stage outputs to inbox")
	}
}

func (a *Agent) reapRemovals(ctx context.Context) {
	cutoff := time.Now().Add(-removalGrace)
	var remaining []removalEntry
	for _, entry := range a.removal {
		if entry.at.After(cutoff) {
			remaining = append(remaining, entry)
			continue
		}
		if err := a.runtime.Remove(ctx, entry.containerID); err != nil {
			a.logger.Warn().Err(err).Str("container_id", entry.containerID).Msg("remove container")
			remaining = append(remaining, entry)
			continue
		}
	}
	a.removal = remaining
}

func (a *Agent) publishSpectrum() {
	select {
	case a.SpecCh <- model.SpectrumUpdate{Agent: a.name, Counts: a.spectrum.Spectrum()}:
	default:
	}
}

func loadConfig(path string) (TaskConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task config %s: %w", path, err)
	}
	var cfg TaskConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse task config %s: %w", path, err)
	}
	return cfg, nil
}

func expandInputs(inputDir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	return filepath.Glob(filepath.Join(inputDir, pattern))
}

var substDirectiveRe = regexp.MustCompile(`^\{([a-zA-Z_][a-zA-Z0-9_]*):(.+)\}$`)

// resolveField evaluates the output/log substitution grammar:
// {from_var:a=>b,c=>d} takes config[from_var], applies each a=>b
// rule as a literal string replace, and splits the result on
// whitespace. A plain value (no directive) is split as-is.
func resolveField(key string, cfg TaskConfig) []string {
	raw := cfg[key]
	m := substDirectiveRe.FindStringSubmatch(raw)
	if m == nil {
		return strings.Fields(raw)
	}
	fromVar, rules := m[1], m[2]
	val := cfg[fromVar]
	for _, rule := range strings.Split(rules, ",") {
		parts := strings.SplitN(rule, "=>", 2)
		if len(parts) != 2 {
			continue
		}
		val = strings.ReplaceAll(val, parts[0], parts[1])
	}
	return strings.Fields(val)
}

var placeholderRe = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

// substituteArgs expands {key} placeholders in args against cfg.
func substituteArgs(args string, cfg TaskConfig) string {
	return placeholderRe.ReplaceAllStringFunc(args, func(m string) string {
		key := strings.Trim(m, "{}")
		return cfg[key]
	})
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "qpfmk"
}
