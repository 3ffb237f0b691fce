// Package lineage manages derivation chains: the forest of parent/child
// links between packages created from one another.
//
// Chains are additive. An edge is never rewritten; it only goes away when an
// endpoint is evicted. Evicting a parent leaves its children as roots of their
// own sub-lineage rather than deleting them.
package lineage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/model"
	"github.com/rcliao/hamstore/internal/store"
)

// Edges is the persistence the manager needs.
type Edges interface {
	Exists(ctx context.Context, id string) (bool, error)
	InsertEdge(ctx context.Context, p store.LinkParams) (*model.DerivationEdge, error)
	ParentEdge(ctx context.Context, id string) (*model.DerivationEdge, error)
	ChildEdges(ctx context.Context, id string) ([]model.DerivationEdge, error)
	DetachEdges(ctx context.Context, id string) ([]string, error)
}

// Manager serialises link mutations so the cycle check and the insert see
// the same forest.
type Manager struct {
	edges Edges
	now   func() time.Time
	log   logrus.FieldLogger
	mu    sync.Mutex
}

// New returns a Manager over edges.
func New(edges Edges, log logrus.FieldLogger, now func() time.Time) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{edges: edges, now: now, log: log.WithField("component", "lineage")}
}

// Link records that child was derived from parent. It fails with
// model.ErrCycle if parent already descends from child, and with
// model.ErrAlreadyLinked if child has a parent.
func (m *Manager) Link(ctx context.Context, childID, parentID, relation string) (*model.DerivationEdge, error) {
	if relation == "" {
		relation = model.RelDerivedFrom
	}
	if childID == parentID {
		return nil, model.NewPackageError("link", childID, model.ErrCycle, fmt.Errorf("self link"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ancestors, err := m.ancestors(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, a := range ancestors {
		if a == childID {
			return nil, model.NewPackageError("link", childID, model.ErrCycle,
				fmt.Errorf("%s descends from %s", parentID, childID))
		}
	}

	edge, err := m.edges.InsertEdge(ctx, store.LinkParams{
		ChildID: childID, ParentID: parentID, Relation: relation, At: m.now(),
	})
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"child": childID, "parent": parentID, "relation": relation}).Debug("linked")
	return edge, nil
}

// Lineage returns the chain from the root down to id, inclusive.
func (m *Manager) Lineage(ctx context.Context, id string) ([]string, error) {
	if err := m.mustExist(ctx, "lineage", id); err != nil {
		return nil, err
	}
	up, err := m.ancestors(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := make([]string, len(up))
	for i, a := range up {
		chain[len(up)-1-i] = a
	}
	return chain, nil
}

// Descendants returns every package below id, sorted. id itself is excluded.
func (m *Manager) Descendants(ctx context.Context, id string) ([]string, error) {
	if err := m.mustExist(ctx, "descendants", id); err != nil {
		return nil, err
	}
	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]
		kids, err := m.edges.ChildEdges(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, e := range kids {
			if seen[e.ChildID] {
				continue
			}
			seen[e.ChildID] = true
			out = append(out, e.ChildID)
			queue = append(queue, e.ChildID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Parent returns the live parent edge of id, or nil for a root.
func (m *Manager) Parent(ctx context.Context, id string) (*model.DerivationEdge, error) {
	return m.edges.ParentEdge(ctx, id)
}

// Detach prunes id's own parent edge and orphans its children. It is the
// lineage step of eviction and is safe to repeat.
func (m *Manager) Detach(ctx context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orphans, err := m.edges.DetachEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(orphans) > 0 {
		m.log.WithFields(logrus.Fields{"id": id, "orphans": orphans}).
			Info("evicted package had children; they are now roots")
	}
	return orphans, nil
}

// ancestors walks up from id and returns id followed by each ancestor.
func (m *Manager) ancestors(ctx context.Context, id string) ([]string, error) {
	chain := []string{id}
	seen := map[string]bool{id: true}
	cur := id
	for {
		e, err := m.edges.ParentEdge(ctx, cur)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return chain, nil
		}
		if seen[e.ParentID] {
			return nil, model.NewPackageError("lineage", id, model.ErrCycle,
				fmt.Errorf("stored chain revisits %s", e.ParentID))
		}
		seen[e.ParentID] = true
		chain = append(chain, e.ParentID)
		cur = e.ParentID
	}
}

func (m *Manager) mustExist(ctx context.Context, op, id string) error {
	ok, err := m.edges.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewPackageError(op, id, model.ErrNotFound, nil)
	}
	return nil
}
