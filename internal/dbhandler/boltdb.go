package dbhandler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
)

var (
	bucketProducts   = []byte("products")
	bucketTasks      = []byte("tasks")
	bucketSpectra    = []byte("spectra")
	bucketStateLog   = []byte("state_log")
	bucketICommands  = []byte("icommands")
	bucketVersions   = []byte("versions")
	bucketSignatures = []byte("signatures")
	bucketNodeState  = []byte("node_state")
	bucketVars       = []byte("vars")
)

// signatureWindow is how long a registered signature keeps guarding
// against duplicates; the commander re-ingesting the same file within
// this window (e.g. from its own archive sweep racing the watcher) is
// not treated as a new version.
const signatureWindow = 10 * time.Second

// icommandWindow is how long a command stays eligible for delivery
// before it is considered stale and ignored by GetICommand.
const icommandWindow = 15 * time.Second

// BoltStore is the bbolt-backed Store implementation. One bucket per
// entity, values JSON-encoded, every operation wrapped in a single
// Update/View transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the database file under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "qpfmk.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProducts, bucketTasks, bucketSpectra, bucketStateLog,
			bucketICommands, bucketVersions, bucketSignatures,
			bucketNodeState, bucketVars,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Products ---

func (s *BoltStore) StoreProducts(products []model.Product) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProducts)
		for _, p := range products {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p.Path), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) RetrieveProducts(criteria ProductCriteria) ([]model.Product, error) {
	var out []model.Product
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProducts)
		return b.ForEach(func(_, v []byte) error {
			var p model.Product
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if criteria.DataType != "" && p.DataType != criteria.DataType {
				return nil
			}
			if criteria.ObsMode != "" && p.ObsMode != criteria.ObsMode {
				return nil
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// --- Tasks ---

func (s *BoltStore) StoreTask(task model.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTasks), task.ID, task)
	})
}

// UpdateTask updates all mutable columns by task id. If the task was
// first registered under a placeholder id (the task agent may not
// know the real container id until after creation), the caller is
// responsible for calling StoreTask again under the new id and
// removing the placeholder; UpdateTask itself never re-keys a row.
func (s *BoltStore) UpdateTask(task model.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) == nil {
			return fmt.Errorf("update task: %s not found", task.ID)
		}
		return putJSON(b, task.ID, task)
	})
}

func (s *BoltStore) GetTask(id string) (model.Task, bool, error) {
	var task model.Task
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &task)
	})
	return task, found, err
}

// RetrieveRestartableTasks returns every task in {SCHEDULED, RUNNING}
// and marks each of them ABORTED in the same transaction. Callers
// never re-enqueue these tasks; this is a crash-recovery cleanup
// pass, not a resume mechanism.
func (s *BoltStore) RetrieveRestartableTasks() ([]model.Task, error) {
	var restartable []model.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task model.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status != model.TaskScheduled && task.Status != model.TaskRunning {
				continue
			}
			restartable = append(restartable, task)
			task.Status = model.TaskAborted
			if err := putJSON(b, task.ID, task); err != nil {
				return err
			}
		}
		return nil
	})
	return restartable, err
}

// --- Spectra ---

func (s *BoltStore) SaveTaskStatusSpectra(agent string, counts map[string]int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSpectra), agent, counts)
	})
}

// --- Node state log (append-only) ---

func (s *BoltStore) StoreState(session, node, state string) error {
	entry := NodeState{Session: session, Node: node, State: state, Timestamp: time.Now().UTC()}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStateLog)
		key := fmt.Sprintf("%020d_%s_%s", entry.Timestamp.UnixNano(), session, node)
		if err := putJSON(b, key, entry); err != nil {
			return err
		}
		return putJSON(b, "__latest__", entry)
	})
}

func (s *BoltStore) GetLatestState() (NodeState, bool, error) {
	var entry NodeState
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStateLog).Get([]byte("__latest__"))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}

func (s *BoltStore) GetCurrentState(session string) ([]NodeState, error) {
	var out []NodeState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStateLog)
		return b.ForEach(func(k, v []byte) error {
			if string(k) == "__latest__" {
				return nil
			}
			var entry NodeState
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Session == session {
				out = append(out, entry)
			}
			return nil
		})
	})
	return out, err
}

// --- Command inbox ---

func (s *BoltStore) AddICommand(node, command string) (string, error) {
	id := uuid.NewString()
	cmd := ICommand{ID: id, Node: node, Command: command, CreatedAt: time.Now().UTC()}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketICommands), id, cmd)
	})
	return id, err
}

// GetICommand returns the freshest undone command addressed to node,
// ignoring anything older than icommandWindow.
func (s *BoltStore) GetICommand(node string) (ICommand, bool, error) {
	var best ICommand
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketICommands)
		now := time.Now().UTC()
		return b.ForEach(func(_, v []byte) error {
			var cmd ICommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				return err
			}
			if cmd.Node != node || cmd.Done {
				return nil
			}
			if now.Sub(cmd.CreatedAt) > icommandWindow {
				return nil
			}
			if !found || cmd.CreatedAt.After(best.CreatedAt) {
				best = cmd
				found = true
			}
			return nil
		})
	})
	return best, found, err
}

func (s *BoltStore) MarkICommandAsDone(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketICommands)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("icommand %s not found", id)
		}
		var cmd ICommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		cmd.Done = true
		return putJSON(b, id, cmd)
	})
}

func (s *BoltStore) RemoveICommand(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketICommands).Delete([]byte(id))
	})
}

// --- Versioning and dedup ---

// GetVersionCounter atomically increments and returns the next
// version counter for procName, starting at 1.
func (s *BoltStore) GetVersionCounter(procName string) (int, error) {
	var next int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		cur := 0
		if data := b.Get([]byte(procName)); data != nil {
			cur = int(binary.BigEndian.Uint32(data))
		}
		next = cur + 1
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(next))
		return b.Put([]byte(procName), buf)
	})
	return next, err
}

type signatureRecord struct {
	Version   string
	Timestamp time.Time
}

// CheckSignature reports whether (signature, productType) was already
// registered within signatureWindow; if not, it registers it under
// version and returns false.
func (s *BoltStore) CheckSignature(signature, productType, version string) (bool, error) {
	key := signature + "|" + productType
	duplicate := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSignatures)
		now := time.Now().UTC()
		if data := b.Get([]byte(key)); data != nil {
			var rec signatureRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if now.Sub(rec.Timestamp) < signatureWindow {
				duplicate = true
				return nil
			}
		}
		return putJSON(b, key, signatureRecord{Version: version, Timestamp: now})
	})
	return duplicate, err
}

// --- Misc key/value ---

func (s *BoltStore) StoreNodeState(node string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeState).Put([]byte(node), data)
	})
}

func (s *BoltStore) RetrieveNodeState(node string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodeState).Get([]byte(node))
		if data == nil {
			return nil
		}
		found = true
		out = append(out, data...)
		return nil
	})
	return out, found, err
}

func (s *BoltStore) StoreVar(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVars).Put([]byte(key), value)
	})
}

func (s *BoltStore) RetrieveVar(key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVars).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		out = append(out, data...)
		return nil
	})
	return out, found, err
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
