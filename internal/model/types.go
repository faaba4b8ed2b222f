// Package model holds the plain data types shared across the pipeline:
// products, tasks, agents, rules and the processing network. None of
// these types carry behavior beyond small derived-field helpers; the
// components that act on them live in their own packages.
package model

import "time"

// Product is a file on disk plus the metadata the name parser derived
// from its basename (and, for FITS-like inputs, its header).
type Product struct {
	Path         string
	Basename     string
	Name         string
	Extension    string
	Mission      string
	ProcFunc     string
	Instance     string
	StartTime    time.Time
	EndTime      time.Time
	Version      string
	ObsID        string
	ObsMode      string
	Exposure     int
	SpectralBand string
	DataType     string
	Instrument   string
	Signature    string
	Type         string
	Format       string
	Size         int64
	Exists       bool
	Meta         string
	NeedsVersion bool
}

// TaskStatus is the closed status enumeration. Values are fixed so that
// int<->string conversions remain stable across releases.
type TaskStatus int

const (
	TaskScheduled TaskStatus = -2
	TaskFailed    TaskStatus = -1
	TaskFinished  TaskStatus = 0
	TaskRunning   TaskStatus = 1
	TaskPaused    TaskStatus = 2
	TaskStopped   TaskStatus = 3
	TaskAborted   TaskStatus = 4
	TaskArchived  TaskStatus = 5
	TaskUnknown   TaskStatus = 6
)

var taskStatusNames = map[TaskStatus]string{
	TaskScheduled: "SCHEDULED",
	TaskFailed:    "FAILED",
	TaskFinished:  "FINISHED",
	TaskRunning:   "RUNNING",
	TaskPaused:    "PAUSED",
	TaskStopped:   "STOPPED",
	TaskAborted:   "ABORTED",
	TaskArchived:  "ARCHIVED",
	TaskUnknown:   "UNKNOWN",
}

var taskStatusValues = func() map[string]TaskStatus {
	m := make(map[string]TaskStatus, len(taskStatusNames))
	for v, s := range taskStatusNames {
		m[s] = v
	}
	return m
}()

// String returns the canonical name for a status. Unknown values map to
// "UNKNOWN" rather than panicking, since a malformed inspect template
// output should degrade, not crash the agent loop.
func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseTaskStatus is the inverse of String. It returns TaskUnknown and
// false for any name outside the canonical set.
func ParseTaskStatus(name string) (TaskStatus, bool) {
	s, ok := taskStatusValues[name]
	if !ok {
		return TaskUnknown, false
	}
	return s, true
}

// IsTerminal reports whether a status ends a task's life cycle.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStopped || s == TaskFailed || s == TaskFinished
}

// Task is one attempted execution of a processor against one product.
type Task struct {
	ID          string
	Folder      string
	Processor   string
	ContainerID string
	Status      TaskStatus
	ExitCode    int
	StartTime   time.Time
	EndTime     time.Time
	Progress    int
	Info        string // full inspect JSON
	Data        string // inspect subset
}

// StatusFrame is one message an agent pushes onto the task manager's
// task-queue, describing either a brand-new task or a status transition.
type StatusFrame struct {
	JustCreated bool
	TaskID      string
	ContainerID string
	Inspect     string
	Progress    int
	Status      string
}

// SpectrumUpdate is the message an agent publishes on its out-queue once
// per iteration: the agent's name and its current live+saved histogram.
type SpectrumUpdate struct {
	Agent  string
	Counts map[string]int
}

// Agent is one logical worker slot on a node.
type Agent struct {
	Name          string
	NumTasks      int
	CurrentTaskID string
	ContainerID   string
	ContainerStat string
}

// Rule maps a set of product types to a processor key.
type Rule struct {
	Name       string
	Inputs     []string
	Processing string
}

// Matches reports whether the rule fires for the given product type.
func (r Rule) Matches(productType string) bool {
	for _, in := range r.Inputs {
		if in == productType {
			return true
		}
	}
	return false
}

// NodeSpec is one entry of the processing network's node table.
type NodeSpec struct {
	Name    string
	Address string
	Port    int
	Agents  int
}
