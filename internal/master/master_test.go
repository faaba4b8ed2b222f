package master

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/dbhandler"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/nameparser"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/network"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/orchestrator"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/taskmanager"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/workarea"
)

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) Schedule(product model.Product, processor string) error {
	f.scheduled = append(f.scheduled, product.Basename)
	return nil
}

func newTestMaster(t *testing.T, selfName string, nodes []model.NodeSpec, commander string) (*Master, *workarea.WorkArea, *fakeScheduler, dbhandler.Store) {
	t.Helper()
	wa := workarea.New(t.TempDir())
	require.NoError(t, wa.Init())

	net, err := network.New(commander, nodes, selfName)
	require.NoError(t, err)

	store, err := dbhandler.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	parser := nameparser.New(nil)
	sched := &fakeScheduler{}
	rules := []model.Rule{{Name: "r1", Inputs: []string{"VIS"}, Processing: "vis_proc"}}
	processors := map[string]string{"vis_proc": "VisProcessor"}
	orch := orchestrator.New(rules, processors, sched)

	agentNames := net.AgentNames(selfName)
	mgr, err := taskmanager.New(agentNames, wa, nil, t.TempDir(), store)
	require.NoError(t, err)

	m, err := New(wa, net, parser, orch, mgr, store, SelectSequential, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m, wa, sched, store
}

func singleNodeTable(name string) []model.NodeSpec {
	return []model.NodeSpec{{Name: name, Address: "127.0.0.1", Port: 8080, Agents: 1}}
}

func TestSelectNodeSequentialCyclesThroughNodes(t *testing.T) {
	nodes := []model.NodeSpec{
		{Name: "n1", Address: "127.0.0.1", Port: 8081, Agents: 1},
		{Name: "n2", Address: "127.0.0.1", Port: 8082, Agents: 1},
	}
	m, _, _, _ := newTestMaster(t, "n1", nodes, "n1")
	m.mode = SelectSequential

	first := m.selectNode()
	second := m.selectNode()
	third := m.selectNode()

	assert.Equal(t, "n2", first)
	assert.Equal(t, "n1", second)
	assert.Equal(t, "n2", third)
}

func TestSelectNodeLoadBalancePicksLeastLoaded(t *testing.T) {
	nodes := []model.NodeSpec{
		{Name: "n1", Address: "127.0.0.1", Port: 8081, Agents: 1},
		{Name: "n2", Address: "127.0.0.1", Port: 8082, Agents: 1},
	}
	m, _, _, _ := newTestMaster(t, "n1", nodes, "n1")
	m.mode = SelectLoadBalance
	m.nodeStatus["n2"] = nodeStatusEntry{numTasks: 3}

	assert.Equal(t, "n1", m.selectNode())
}

func TestScheduleArchivesAndSchedulesLocalProducts(t *testing.T) {
	nodes := singleNodeTable("n1")
	m, wa, sched, _ := newTestMaster(t, "n1", nodes, "n1")

	basename := "EUC_VIS_1-23-M_20240101T000000.0Z_01.00.fits"
	path := filepath.Join(wa.Inbox(), basename)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	m.productList = []string{path}
	m.schedule(context.Background())

	assert.Contains(t, sched.scheduled, basename)
	_, err := os.Stat(filepath.Join(wa.Archive(), basename))
	assert.NoError(t, err, "product should have been hard-linked into the archive")
}

func TestScheduleUnlinksProductWhenNoRuleFires(t *testing.T) {
	nodes := singleNodeTable("n1")
	m, wa, sched, _ := newTestMaster(t, "n1", nodes, "n1")

	basename := "EUC_NIR_1-23-M_20240101T000000.0Z_01.00.fits"
	path := filepath.Join(wa.Inbox(), basename)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	m.productList = []string{path}
	m.schedule(context.Background())

	assert.Empty(t, sched.scheduled)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "unscheduled product should have been unlinked")
}

func TestDistributePinsJSONProductsToCommander(t *testing.T) {
	nodes := []model.NodeSpec{
		{Name: "commander", Address: "127.0.0.1", Port: 8081, Agents: 1},
		{Name: "worker", Address: "127.0.0.1", Port: 8082, Agents: 1},
	}
	m, wa, sched, _ := newTestMaster(t, "commander", nodes, "commander")
	m.mode = SelectSequential

	basename := "EUC_VIS_1-23-M_20240101T000000.0Z_01.00.json"
	path := filepath.Join(wa.Inbox(), basename)
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	m.productList = []string{path}
	m.distribute(context.Background())

	require.Len(t, m.productsForProcessing, 1)
	assert.Equal(t, path, m.productsForProcessing[0])

	m.schedule(context.Background())
	assert.Contains(t, sched.scheduled, basename)
}

func TestAssignVersionRenamesFileWithCounter(t *testing.T) {
	nodes := singleNodeTable("n1")
	m, wa, _, _ := newTestMaster(t, "n1", nodes, "n1")

	basename := "EUC_VIS_1-23-M_20240101T000000.0Z.fits"
	path := filepath.Join(wa.Inbox(), basename)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	product, ok := m.parser.Parse(path, true, 4)
	require.True(t, ok)
	require.True(t, product.NeedsVersion)

	renamed, err := m.assignVersion(product)
	require.NoError(t, err)

	assert.FileExists(t, renamed)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
