package workflowstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/workflowstore"
)

type storeFactory func(t *testing.T) workflowstore.Store

func sampleWorkflow(id, userID string) *flowcanvas.Workflow {
	return &flowcanvas.Workflow{
		ID:     id,
		UserID: userID,
		Name:   "hero banner",
		Nodes: []flowcanvas.Node{
			{ID: "p", Kind: flowcanvas.KindPrompt, Data: flowcanvas.NodeData{Prompt: "a fox", Model: "gemini-2.5-flash-image"}},
			{ID: "img", Kind: flowcanvas.KindImage, Position: flowcanvas.Position{X: 300, Y: 40}},
		},
		Edges: []flowcanvas.Edge{{ID: "e1", Source: "p", Target: "img"}},
	}
}

func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Save_and_Get", func(t *testing.T) {
		store := factory(t)
		w := sampleWorkflow("wf-"+uuid.NewString(), "user-1")
		require.NoError(t, store.Save(ctx, w))
		assert.False(t, w.CreatedAt.IsZero())

		got, err := store.Get(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w.Name, got.Name)
		assert.Equal(t, w.Nodes, got.Nodes)
		assert.Equal(t, w.Edges, got.Edges)
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		store := factory(t)
		_, err := store.Get(ctx, "wf-missing")
		assert.ErrorIs(t, err, workflowstore.ErrNotFound)
	})

	t.Run(name+"/Save_KeepsCreatedAt", func(t *testing.T) {
		store := factory(t)
		w := sampleWorkflow("wf-"+uuid.NewString(), "user-1")
		require.NoError(t, store.Save(ctx, w))
		created := w.CreatedAt

		time.Sleep(5 * time.Millisecond)
		w.Name = "renamed"
		require.NoError(t, store.Save(ctx, w))

		got, err := store.Get(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)
		assert.True(t, got.UpdatedAt.After(got.CreatedAt))
	})

	t.Run(name+"/Save_RejectsDanglingEdge", func(t *testing.T) {
		store := factory(t)
		w := sampleWorkflow("wf-"+uuid.NewString(), "user-1")
		w.Edges = append(w.Edges, flowcanvas.Edge{ID: "e2", Source: "p", Target: "gone"})

		err := store.Save(ctx, w)
		assert.ErrorIs(t, err, flowcanvas.ErrDanglingEdge)

		_, err = store.Get(ctx, w.ID)
		assert.ErrorIs(t, err, workflowstore.ErrNotFound)
	})

	t.Run(name+"/Save_RequiresID", func(t *testing.T) {
		store := factory(t)
		assert.ErrorIs(t, store.Save(ctx, sampleWorkflow("", "user-1")), workflowstore.ErrMissingID)
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		store := factory(t)
		w := sampleWorkflow("wf-"+uuid.NewString(), "user-1")
		require.NoError(t, store.Save(ctx, w))
		require.NoError(t, store.Delete(ctx, w.ID))
		require.NoError(t, store.Delete(ctx, w.ID))

		_, err := store.Get(ctx, w.ID)
		assert.ErrorIs(t, err, workflowstore.ErrNotFound)
	})

	t.Run(name+"/ListByUser", func(t *testing.T) {
		store := factory(t)
		user := "user-" + uuid.NewString()
		older := sampleWorkflow("wf-"+uuid.NewString(), user)
		newer := sampleWorkflow("wf-"+uuid.NewString(), user)
		other := sampleWorkflow("wf-"+uuid.NewString(), "someone-else")
		require.NoError(t, store.Save(ctx, older))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, store.Save(ctx, newer))
		require.NoError(t, store.Save(ctx, other))

		list, err := store.ListByUser(ctx, user)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.Equal(t, older.ID, list[1].ID)

		empty, err := store.ListByUser(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "Memory", func(t *testing.T) workflowstore.Store {
		s := workflowstore.NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	s := workflowstore.NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "wf-1")
	assert.ErrorIs(t, err, workflowstore.ErrStoreClosed)
	assert.ErrorIs(t, s.Save(context.Background(), sampleWorkflow("wf-1", "u")), workflowstore.ErrStoreClosed)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := workflowstore.NewMemoryStore()
	w := sampleWorkflow("wf-1", "u")
	require.NoError(t, s.Save(ctx, w))

	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	got.Nodes[0].Data.Prompt = "mutated"

	again, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "a fox", again.Nodes[0].Data.Prompt)
}

// TestPostgresStore runs against a live database when
// FLOWCANVAS_TEST_POSTGRES holds a connection string.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FLOWCANVAS_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("FLOWCANVAS_TEST_POSTGRES not set")
	}
	storeContractTest(t, "Postgres", func(t *testing.T) workflowstore.Store {
		s, err := workflowstore.OpenPostgres(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
