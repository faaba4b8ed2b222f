// Package dbhandler is the persistence boundary described in
// SPEC_FULL.md §4.8: product metadata, task records, per-agent
// spectra, per-node state, a small command inbox, version counters
// and duplicate-signature detection. The contract is expressed as a
// Go interface with a single bbolt-backed implementation, one bucket
// per entity, values JSON-encoded.
package dbhandler

import (
	"time"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
)

// NodeState is one append-only entry in a node's state log.
type NodeState struct {
	Session   string
	Node      string
	State     string
	Timestamp time.Time
}

// ICommand is a side-channel command left in a node's inbox by
// another node (e.g. the commander telling a worker to pause).
type ICommand struct {
	ID        string
	Node      string
	Command   string
	Done      bool
	CreatedAt time.Time
}

// Store is the full set of operations the rest of the system needs
// from persistence. There is deliberately no method to run arbitrary
// queries: every access pattern the core needs is named here.
type Store interface {
	Close() error

	// Products
	StoreProducts(products []model.Product) error
	RetrieveProducts(criteria ProductCriteria) ([]model.Product, error)

	// Tasks
	StoreTask(task model.Task) error
	UpdateTask(task model.Task) error
	GetTask(id string) (model.Task, bool, error)
	RetrieveRestartableTasks() ([]model.Task, error)

	// Spectra
	SaveTaskStatusSpectra(agent string, counts map[string]int) error

	// Node state log
	StoreState(session, node, state string) error
	GetLatestState() (NodeState, bool, error)
	GetCurrentState(session string) ([]NodeState, error)

	// Command inbox
	AddICommand(node, command string) (string, error)
	GetICommand(node string) (ICommand, bool, error)
	MarkICommandAsDone(id string) error
	RemoveICommand(id string) error

	// Versioning and dedup
	GetVersionCounter(procName string) (int, error)
	CheckSignature(signature, productType, version string) (bool, error)

	// Misc key/value
	StoreNodeState(node string, data []byte) error
	RetrieveNodeState(node string) ([]byte, bool, error)
	StoreVar(key string, value []byte) error
	RetrieveVar(key string) ([]byte, bool, error)
}

// ProductCriteria narrows RetrieveProducts. Zero values are wildcards.
// RetrieveProducts filters on DataType and ObsMode only; Creator and
// Status are not applied.
type ProductCriteria struct {
	Creator  string
	DataType string
	ObsMode  string
	Status   string
}
