package taskmanager

import (
	"sync/atomic"
	"testing"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/taskagent"
)

func newTestSlots(n int) []*slot {
	slots := make([]*slot, n)
	for i := 0; i < n; i++ {
		slots[i] = &slot{agent: taskagent.New("agent", nil, nil, "")}
	}
	return slots
}

func TestSelectAgentPicksMinimumLoad(t *testing.T) {
	m := &Manager{slots: newTestSlots(3)}
	atomic.StoreInt32(&m.slots[0].numTasks, 5)
	atomic.StoreInt32(&m.slots[1].numTasks, 2)
	atomic.StoreInt32(&m.slots[2].numTasks, 3)

	got := m.selectAgent()
	if got != m.slots[1] {
		t.Errorf("expected slot 1 (load 2) to win")
	}
	if atomic.LoadInt32(&m.slots[1].numTasks) != 3 {
		t.Errorf("expected winner's counter incremented to 3, got %d", m.slots[1].numTasks)
	}
}

func TestSelectAgentTiesBreakOnLowestIndex(t *testing.T) {
	m := &Manager{slots: newTestSlots(3)}
	got := m.selectAgent()
	if got != m.slots[0] {
		t.Errorf("expected slot 0 to win an all-zero tie")
	}
}

func TestTaskStatusesClearsNewFlagAfterOneRead(t *testing.T) {
	m := &Manager{info: map[string]AgentView{
		"agent1": {Name: "agent1", CurrentTaskID: "t1", ContainerStatus: "RUNNING", New: true},
	}}

	first := m.TaskStatuses()
	if !first["agent1"].New {
		t.Errorf("expected New=true on first read")
	}

	second := m.TaskStatuses()
	if second["agent1"].New {
		t.Errorf("expected New=false on second read without an intervening frame")
	}
	if second["agent1"].TaskID != "t1" {
		t.Errorf("expected task id to persist across reads, got %q", second["agent1"].TaskID)
	}
}
