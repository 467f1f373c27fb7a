package latticesdk

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"lattice/internal/config"
	"lattice/internal/engine"
	"lattice/internal/events"
	"lattice/internal/server"
	"lattice/internal/storage"
)

func testBackend(t *testing.T) (engine.Engine, *Client) {
	t.Helper()
	root := storage.NewRoot(filepath.Join(t.TempDir(), storage.MarkerDir))
	if err := root.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	var evSeq, taskSeq, artSeq int
	e := engine.Engine{
		Root:   root,
		Log:    events.Log{Root: root},
		Config: config.Default(),
		Now:    func() time.Time { return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) },
		Diag:   io.Discard,
		NewEventID: func() string {
			evSeq++
			return fmt.Sprintf("ev_%04d", evSeq)
		},
		NewTaskID: func() string {
			taskSeq++
			return fmt.Sprintf("task_%04d", taskSeq)
		},
		NewArtifactID: func() string {
			artSeq++
			return fmt.Sprintf("art_%04d", artSeq)
		},
	}
	handler, err := server.New(server.Config{Engine: e})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return e, New(srv.URL)
}

func TestClientRoundTrip(t *testing.T) {
	e, c := testBackend(t)
	meta := engine.Meta{Actor: "human:alice"}
	snap, _, err := e.CreateTask(engine.CreateOptions{Title: "From SDK", Tags: []string{"infra"}}, meta)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := e.AddComment(snap.ID, "hi", "", "", meta); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	tasks, err := c.ListTasks(ctx, TaskFilter{Tag: "infra"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "From SDK" {
		t.Fatalf("tasks = %+v", tasks)
	}

	got, archived, err := c.GetTask(ctx, snap.ID)
	if err != nil || archived {
		t.Fatalf("GetTask: %v archived=%v", err, archived)
	}
	if got.ID != snap.ID {
		t.Fatalf("task = %+v", got)
	}

	evs, err := c.TaskEvents(ctx, snap.ID, 0)
	if err != nil || len(evs) != 2 {
		t.Fatalf("TaskEvents: %v %d", err, len(evs))
	}

	comments, err := c.TaskComments(ctx, snap.ID)
	if err != nil || len(comments) != 1 || comments[0].Body != "hi" {
		t.Fatalf("TaskComments: %v %+v", err, comments)
	}

	stats, err := c.Stats(ctx, 7)
	if err != nil || stats.ActiveTasks != 1 {
		t.Fatalf("Stats: %v %+v", err, stats)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	_, c := testBackend(t)
	_, _, err := c.GetTask(context.Background(), "task_missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != 404 {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
}
