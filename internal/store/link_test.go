package store

import (
	"context"
	"errors"
	"testing"

	"github.com/rcliao/hamstore/internal/model"
)

func TestInsertEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, testPackage("a", epoch))
	s.Put(ctx, testPackage("b", epoch))

	edge, err := s.InsertEdge(ctx, LinkParams{ChildID: "b", ParentID: "a", Relation: model.RelSummarizes, At: epoch})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if edge.Relation != model.RelSummarizes {
		t.Errorf("expected summarizes, got %s", edge.Relation)
	}

	parent, err := s.ParentEdge(ctx, "b")
	if err != nil || parent == nil || parent.ParentID != "a" {
		t.Fatalf("expected parent a, got %+v (%v)", parent, err)
	}
	meta, _ := s.GetMeta(ctx, "b")
	if meta.ParentID != "a" {
		t.Errorf("expected parent_id column to mirror edge, got %q", meta.ParentID)
	}

	children, _ := s.ChildEdges(ctx, "a")
	if len(children) != 1 || children[0].ChildID != "b" {
		t.Errorf("expected child b, got %+v", children)
	}
}

func TestInsertEdgeRejectsSecondParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		s.Put(ctx, testPackage(id, epoch))
	}

	if _, err := s.InsertEdge(ctx, LinkParams{ChildID: "c", ParentID: "a", Relation: model.RelDerivedFrom}); err != nil {
		t.Fatalf("link: %v", err)
	}
	_, err := s.InsertEdge(ctx, LinkParams{ChildID: "c", ParentID: "b", Relation: model.RelDerivedFrom})
	if !errors.Is(err, model.ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
}

func TestInsertEdgeInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, testPackage("a", epoch))
	s.Put(ctx, testPackage("b", epoch))

	if _, err := s.InsertEdge(ctx, LinkParams{ChildID: "b", ParentID: "a", Relation: "invalid"}); err == nil {
		t.Fatal("expected error for invalid relation")
	}
	_, err := s.InsertEdge(ctx, LinkParams{ChildID: "b", ParentID: "ghost", Relation: model.RelRefines})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDetachEdgesOrphansChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"root", "mid", "leaf1", "leaf2"} {
		s.Put(ctx, testPackage(id, epoch))
	}
	s.InsertEdge(ctx, LinkParams{ChildID: "mid", ParentID: "root", Relation: model.RelDerivedFrom})
	s.InsertEdge(ctx, LinkParams{ChildID: "leaf1", ParentID: "mid", Relation: model.RelDerivedFrom})
	s.InsertEdge(ctx, LinkParams{ChildID: "leaf2", ParentID: "mid", Relation: model.RelRefines})

	orphaned, err := s.DetachEdges(ctx, "mid")
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	if len(orphaned) != 2 {
		t.Errorf("expected 2 orphaned children, got %v", orphaned)
	}
	if p, _ := s.ParentEdge(ctx, "leaf1"); p != nil {
		t.Errorf("expected leaf1 to be a root, got parent %+v", p)
	}
	if kids, _ := s.ChildEdges(ctx, "root"); len(kids) != 0 {
		t.Errorf("expected mid's own parent edge pruned, got %+v", kids)
	}
	meta, _ := s.GetMeta(ctx, "leaf2")
	if meta.ParentID != "" {
		t.Errorf("expected parent_id cleared, got %q", meta.ParentID)
	}

	again, err := s.DetachEdges(ctx, "mid")
	if err != nil || len(again) != 0 {
		t.Errorf("second detach should be a no-op, got %v %v", again, err)
	}
	st, _ := s.Stats(ctx)
	if st.Edges != 2 || st.OrphanedEdges != 2 {
		t.Errorf("expected 2 orphaned history edges, got %d/%d", st.Edges, st.OrphanedEdges)
	}

	// an orphaned child may be linked again
	if _, err := s.InsertEdge(ctx, LinkParams{ChildID: "leaf1", ParentID: "root", Relation: model.RelDerivedFrom}); err != nil {
		t.Errorf("relink orphan: %v", err)
	}
}
