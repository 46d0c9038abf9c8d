// Package transaction coordinates the operations of one logical transaction
// against the search engine under a chosen isolation strategy.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/sha1n/osem/internal/engine"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/resource"
)

// Isolation strategy names.
const (
	Search        = "search"
	Lucene        = "lucene"
	BatchInsert   = "batch_insert"
	ReadCommitted = "read_committed"
	MT            = "mt"
)

// ErrInvalidState is wrapped by errors for operations not allowed in the
// current transaction state.
var ErrInvalidState = errors.New("invalid transaction state")

// State is the lifecycle state of a transaction.
type State int

const (
	StateIdle State = iota
	StateActive
	StatePrepared
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CreatePolicy decides what Create does when the UID already exists.
type CreatePolicy string

const (
	// PolicyUpsert lets create overwrite an existing resource.
	PolicyUpsert CreatePolicy = "upsert"

	// PolicyReject makes create fail with errs.ErrAlreadyExists.
	PolicyReject CreatePolicy = "reject"
)

// ParseCreatePolicy parses a policy name; empty means upsert.
func ParseCreatePolicy(s string) (CreatePolicy, error) {
	switch CreatePolicy(s) {
	case "", PolicyUpsert:
		return PolicyUpsert, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", errs.Configuration("config", "", "unknown create policy %q", s)
}

// Processor runs the operations of one transaction. Implementations are not
// safe for concurrent use unless their Factory reports ThreadSafe.
type Processor interface {
	ID() string
	Name() string
	State() State

	Begin(ctx context.Context) error
	Prepare(ctx context.Context) error
	Commit(ctx context.Context, onePhase bool) error
	Rollback(ctx context.Context) error

	// Flush makes staged writes visible to the transaction's own reads.
	Flush(ctx context.Context) error

	// FlushCommit commits the staged writes of aliases now and keeps the
	// transaction active. No aliases commits everything staged.
	FlushCommit(ctx context.Context, aliases ...string) error

	Create(ctx context.Context, res *resource.Resource) error
	Update(ctx context.Context, res *resource.Resource) error
	Delete(ctx context.Context, key resource.Key) error
	DeleteByQuery(ctx context.Context, q *engine.Query) error
	Find(ctx context.Context, q *engine.Query) (*engine.Hits, error)
	Get(ctx context.Context, key resource.Key) ([]*resource.Resource, error)
}

// Factory creates processors of one isolation strategy.
type Factory interface {
	Name() string

	// ThreadSafe reports whether a processor may be shared by goroutines.
	ThreadSafe() bool

	New() Processor
}

type factory struct {
	name       string
	threadSafe bool
	create     func() Processor
}

func (f *factory) Name() string     { return f.name }
func (f *factory) ThreadSafe() bool { return f.threadSafe }
func (f *factory) New() Processor   { return f.create() }

// Names returns the supported isolation strategies.
func Names() []string {
	return []string{Search, Lucene, BatchInsert, ReadCommitted, MT}
}

// NewFactory returns the factory of the named isolation strategy.
func NewFactory(name string, e *engine.Engine, policy CreatePolicy) (Factory, error) {
	if policy == "" {
		policy = PolicyUpsert
	}
	switch name {
	case Search:
		return &factory{name: name, threadSafe: true, create: func() Processor { return newSearch(e) }}, nil
	case Lucene:
		return &factory{name: name, create: func() Processor { return newStaged(name, e, policy, modeLucene) }}, nil
	case BatchInsert:
		return &factory{name: name, create: func() Processor { return newStaged(name, e, policy, modeBatch) }}, nil
	case ReadCommitted:
		return &factory{name: name, create: func() Processor { return newStaged(name, e, policy, modeReadCommitted) }}, nil
	case MT:
		return &factory{name: name, threadSafe: true, create: func() Processor {
			return newMT(newStaged(name, e, policy, modeReadCommitted))
		}}, nil
	}
	return nil, errs.Configuration("transaction", "", "unknown isolation %q, expected one of %v", name, Names())
}

// machine tracks the lifecycle state shared by every processor.
type machine struct {
	mu    sync.Mutex
	id    string
	name  string
	state State
}

func newMachine(name string) machine {
	return machine{id: uuid.NewString(), name: name}
}

func (m *machine) ID() string   { return m.id }
func (m *machine) Name() string { return m.name }

func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) invalid(op string, state State) error {
	return errs.SearchEngine(op, fmt.Errorf("%w: %s transaction %s is %s", ErrInvalidState, m.name, m.id, state))
}

// expect fails unless the transaction is in one of states.
func (m *machine) expect(op string, states ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(states, m.state) {
		return m.invalid(op, m.state)
	}
	return nil
}

// transition moves to `to` when the current state is one of from.
func (m *machine) transition(op string, to State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.state) {
		return m.invalid(op, m.state)
	}
	m.state = to
	return nil
}

func (m *machine) set(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// polyUIDs returns the UIDs key may be stored under.
func polyUIDs(e *engine.Engine, key resource.Key) []string {
	aliases := e.Registry().PolyAliases(key.Alias)
	out := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		out = append(out, resource.UID(alias, key.IDs...))
	}
	return out
}
