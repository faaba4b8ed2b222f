package dbhandler

import (
	"testing"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGetTask(t *testing.T) {
	s := openTestStore(t)
	task := model.Task{ID: "t-1", Status: model.TaskScheduled}
	if err := s.StoreTask(task); err != nil {
		t.Fatalf("StoreTask: %v", err)
	}
	got, ok, err := s.GetTask("t-1")
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if got.Status != model.TaskScheduled {
		t.Errorf("expected SCHEDULED, got %v", got.Status)
	}
}

func TestUpdateTaskRequiresExistingRow(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateTask(model.Task{ID: "missing"}); err == nil {
		t.Errorf("expected error updating a task that was never stored")
	}
}

func TestRetrieveRestartableTasksMarksAborted(t *testing.T) {
	s := openTestStore(t)
	s.StoreTask(model.Task{ID: "t-1", Status: model.TaskScheduled})
	s.StoreTask(model.Task{ID: "t-2", Status: model.TaskRunning})
	s.StoreTask(model.Task{ID: "t-3", Status: model.TaskFinished})

	restartable, err := s.RetrieveRestartableTasks()
	if err != nil {
		t.Fatalf("RetrieveRestartableTasks: %v", err)
	}
	if len(restartable) != 2 {
		t.Fatalf("expected 2 restartable tasks, got %d", len(restartable))
	}

	got, _, _ := s.GetTask("t-1")
	if got.Status != model.TaskAborted {
		t.Errorf("expected t-1 to be ABORTED, got %v", got.Status)
	}
	got3, _, _ := s.GetTask("t-3")
	if got3.Status != model.TaskFinished {
		t.Errorf("expected t-3 to remain FINISHED, got %v", got3.Status)
	}
}

func TestCheckSignatureDeduplicatesWithinWindow(t *testing.T) {
	s := openTestStore(t)
	dup, err := s.CheckSignature("12345-120-M", "VIS_VIS", "01.00")
	if err != nil {
		t.Fatalf("CheckSignature: %v", err)
	}
	if dup {
		t.Errorf("first registration should not be a duplicate")
	}
	dup2, err := s.CheckSignature("12345-120-M", "VIS_VIS", "01.01")
	if err != nil {
		t.Fatalf("CheckSignature: %v", err)
	}
	if !dup2 {
		t.Errorf("second registration within the window should be a duplicate")
	}
}

func TestGetVersionCounterIncrements(t *testing.T) {
	s := openTestStore(t)
	v1, _ := s.GetVersionCounter("VIS_VIS")
	v2, _ := s.GetVersionCounter("VIS_VIS")
	if v1 != 1 || v2 != 2 {
		t.Errorf("expected 1 then 2, got %d then %d", v1, v2)
	}
}

func TestICommandFreshnessAndDone(t *testing.T) {
	s := openTestStore(t)
	id, err := s.AddICommand("node-b", "pause")
	if err != nil {
		t.Fatalf("AddICommand: %v", err)
	}
	cmd, ok, err := s.GetICommand("node-b")
	if err != nil || !ok {
		t.Fatalf("GetICommand: ok=%v err=%v", ok, err)
	}
	if cmd.Command != "pause" {
		t.Errorf("expected pause command, got %q", cmd.Command)
	}
	if err := s.MarkICommandAsDone(id); err != nil {
		t.Fatalf("MarkICommandAsDone: %v", err)
	}
	_, ok, _ = s.GetICommand("node-b")
	if ok {
		t.Errorf("expected no pending command after marking done")
	}
}

func TestStoreVarRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.StoreVar("k", []byte("v")); err != nil {
		t.Fatalf("StoreVar: %v", err)
	}
	got, ok, err := s.RetrieveVar("k")
	if err != nil || !ok || string(got) != "v" {
		t.Errorf("RetrieveVar: got=%q ok=%v err=%v", got, ok, err)
	}
}
