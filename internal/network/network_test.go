package network

import (
	"testing"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
)

func testNodes() []model.NodeSpec {
	return []model.NodeSpec{
		{Name: "node-a", Address: "10.0.0.1", Port: 8080, Agents: 2},
		{Name: "node-b", Address: "10.0.0.2", Port: 8080, Agents: 1},
	}
}

func TestNewRejectsUnknownSelf(t *testing.T) {
	if _, err := New("node-a", testNodes(), "node-z"); err == nil {
		t.Fatalf("expected error for unknown self node id")
	}
}

func TestAgentNamesUsesNodeAndAgentIndex(t *testing.T) {
	n, err := New("node-a", testNodes(), "node-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := n.AgentNames("node-b")
	want := []string{"TskAgent_02_01"}
	if len(got) != len(want) || got[0] != want[0] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIsCommander(t *testing.T) {
	n, err := New("node-a", testNodes(), "node-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.IsCommander("node-a") {
		t.Errorf("expected node-a to be commander")
	}
	if n.IsCommander("node-b") {
		t.Errorf("expected node-b to not be commander")
	}
	if n.Self().Name != "node-b" {
		t.Errorf("expected self to resolve to node-b, got %q", n.Self().Name)
	}
}
