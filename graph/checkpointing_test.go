package graph_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MR-GREEN1337/wakil/graph"
	"github.com/MR-GREEN1337/wakil/store"
	"github.com/MR-GREEN1337/wakil/store/memory"
)

type turnState struct {
	Log []string `json:"log"`
}

type turnSchema struct{}

func (turnSchema) Init() turnState { return turnState{} }

func (turnSchema) Update(current, update turnState) (turnState, error) {
	current.Log = append(append([]string(nil), current.Log...), update.Log...)
	return current, nil
}

func newTurnGraph(t *testing.T, tools func(ctx context.Context, state turnState) (turnState, error)) *graph.StateRunnable[turnState] {
	t.Helper()
	g := graph.NewStateGraph[turnState]()
	g.SetSchema(turnSchema{})
	g.AddNode("llm", "Model", func(ctx context.Context, state turnState) (turnState, error) {
		return turnState{Log: []string{"llm"}}, nil
	})
	g.AddNode("tools", "Tools", tools)
	g.SetEntryPoint("llm")
	g.AddConditionalEdge("llm", func(ctx context.Context, state turnState) string {
		if state.Log[len(state.Log)-1] == "llm" && strings.Count(strings.Join(state.Log, ","), "tools") < countInputs(state) {
			return "tools"
		}
		return graph.END
	})
	g.AddEdge("tools", "llm")

	runnable, err := g.Compile()
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}
	return runnable
}

// countInputs makes every turn do exactly one tool round trip.
func countInputs(state turnState) int {
	n := 0
	for _, l := range state.Log {
		if strings.HasPrefix(l, "in:") {
			n++
		}
	}
	return n
}

func okTools(ctx context.Context, state turnState) (turnState, error) {
	return turnState{Log: []string{"tools"}}, nil
}

func collect(t *testing.T, st store.CheckpointStore, thread string) []*store.CheckpointTuple {
	t.Helper()
	var out []*store.CheckpointTuple
	for tuple, err := range st.List(context.Background(), store.ListOptions{ThreadID: thread}) {
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		out = append(out, tuple)
	}
	return out
}

func TestCheckpointableRunnable_WritesChain(t *testing.T) {
	st := memory.NewMemoryCheckpointStore()
	cr := graph.NewCheckpointableRunnable(newTurnGraph(t, okTools), st)
	ctx := context.Background()
	cfg := graph.Config{ThreadID: "t1", Metadata: map[string]any{"agent_id": "a1"}}

	final, err := cr.Invoke(ctx, turnState{Log: []string{"in:1"}}, cfg)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got := strings.Join(final.Log, ","); got != "in:1,llm,tools,llm" {
		t.Fatalf("Unexpected log %q", got)
	}

	tuples := collect(t, st, "t1")
	if len(tuples) != 4 {
		t.Fatalf("Expected 4 checkpoints, got %d", len(tuples))
	}

	// Newest first; walk the chain back to the root.
	wantNodes := []string{"llm", "tools", "llm", ""}
	for i, tuple := range tuples {
		if node, _ := tuple.Metadata[graph.MetadataNode].(string); node != wantNodes[i] {
			t.Errorf("checkpoint %d: expected node %q, got %q", i, wantNodes[i], node)
		}
		if tuple.Metadata["agent_id"] != "a1" {
			t.Errorf("checkpoint %d: config metadata missing", i)
		}
		if i+1 < len(tuples) {
			if tuple.ParentKey == nil || tuple.ParentKey.CheckpointID != tuples[i+1].Key.CheckpointID {
				t.Errorf("checkpoint %d does not point at its predecessor", i)
			}
		} else if tuple.ParentKey != nil {
			t.Errorf("root checkpoint has a parent")
		}
	}
	if tuples[3].Metadata[graph.MetadataSource] != graph.SourceInput {
		t.Errorf("Expected first checkpoint to be the input checkpoint")
	}
	if tuples[0].Metadata[graph.MetadataNext] != graph.END {
		t.Errorf("Expected head to route to END, got %v", tuples[0].Metadata[graph.MetadataNext])
	}

	// The second turn continues from the stored head.
	final, err = cr.Invoke(ctx, turnState{Log: []string{"in:2"}}, cfg)
	if err != nil {
		t.Fatalf("second Invoke failed: %v", err)
	}
	if got := strings.Join(final.Log, ","); got != "in:1,llm,tools,llm,in:2,llm,tools,llm" {
		t.Fatalf("Unexpected log after second turn %q", got)
	}

	snap, err := cr.GetState(ctx, cfg)
	if err != nil || snap == nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(snap.Values.Log) != 8 || snap.Next != graph.END {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	history, err := cr.History(ctx, cfg, 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 || history[0].Key != snap.Key {
		t.Errorf("Expected 3 snapshots starting at head, got %d", len(history))
	}
}

func TestCheckpointableRunnable_ResumesInterruptedTurn(t *testing.T) {
	st := memory.NewMemoryCheckpointStore()
	fail := true
	tools := func(ctx context.Context, state turnState) (turnState, error) {
		if fail {
			return turnState{}, errors.New("tool crashed")
		}
		return turnState{Log: []string{"tools"}}, nil
	}
	cr := graph.NewCheckpointableRunnable(newTurnGraph(t, tools), st)
	ctx := context.Background()
	cfg := graph.Config{ThreadID: "t1"}

	if _, err := cr.Invoke(ctx, turnState{Log: []string{"in:1"}}, cfg); err == nil {
		t.Fatal("Expected the first turn to fail")
	}
	snap, err := cr.GetState(ctx, cfg)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if snap.Next != "tools" {
		t.Fatalf("Expected head to point at tools, got %q", snap.Next)
	}

	fail = false
	final, err := cr.Invoke(ctx, turnState{Log: []string{"in:2"}}, cfg)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got := strings.Join(final.Log, ","); got != "in:1,llm,tools,llm,in:2,llm,tools,llm" {
		t.Fatalf("Unexpected log %q", got)
	}
}

// failingPut fails the first Put of a checkpoint written after the given node.
type failingPut struct {
	store.CheckpointStore
	node   string
	failed bool
}

func (f *failingPut) Put(ctx context.Context, threadID, ns string, cp *store.Checkpoint, metadata map[string]any) (store.CheckpointKey, error) {
	if !f.failed && metadata[graph.MetadataNode] == f.node {
		f.failed = true
		return store.CheckpointKey{}, errors.New("disk full")
	}
	return f.CheckpointStore.Put(ctx, threadID, ns, cp, metadata)
}

func TestCheckpointableRunnable_ReplaysPendingWrites(t *testing.T) {
	st := &failingPut{CheckpointStore: memory.NewMemoryCheckpointStore(), node: "tools"}
	executed := 0
	tools := func(ctx context.Context, state turnState) (turnState, error) {
		executed++
		return turnState{Log: []string{fmt.Sprintf("tools#%d", executed)}}, nil
	}

	cr := graph.NewCheckpointableRunnable(newTurnGraph(t, tools), st,
		graph.WithPendingWrites(func(node string, update turnState) []store.Write {
			if node != "tools" {
				return nil
			}
			writes := make([]store.Write, 0, len(update.Log))
			for _, l := range update.Log {
				writes = append(writes, store.Write{Channel: "log", Value: l})
			}
			return writes
		}),
		graph.WithWritesDecoder(func(node string, writes []store.PendingWrite) (turnState, bool) {
			var update turnState
			for _, w := range writes {
				var l string
				if err := json.Unmarshal(w.Value, &l); err != nil {
					return turnState{}, false
				}
				update.Log = append(update.Log, l)
			}
			return update, true
		}),
	)
	ctx := context.Background()
	cfg := graph.Config{ThreadID: "t1"}

	if _, err := cr.Invoke(ctx, turnState{Log: []string{"in:1"}}, cfg); err == nil {
		t.Fatal("Expected the first turn to fail on Put")
	}
	head, err := st.GetLatest(ctx, "t1", "", "")
	if err != nil || head == nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if len(head.PendingWrites) != 1 || head.PendingWrites[0].TaskID != graph.TaskID("tools", 3) {
		t.Fatalf("Expected one pending write for tools:3, got %+v", head.PendingWrites)
	}

	final, err := cr.Invoke(ctx, turnState{Log: []string{"in:2"}}, cfg)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	// The interrupted tools step is replayed from its write, not executed again.
	if got := strings.Join(final.Log, ","); got != "in:1,llm,tools#1,llm,in:2,llm,tools#2,llm" {
		t.Fatalf("Unexpected log %q", got)
	}
	if executed != 2 {
		t.Errorf("Expected tools to execute twice, got %d", executed)
	}
}

func TestCheckpointableRunnable_RequiresThread(t *testing.T) {
	cr := graph.NewCheckpointableRunnable(newTurnGraph(t, okTools), memory.NewMemoryCheckpointStore())
	if _, err := cr.Invoke(context.Background(), turnState{}, graph.Config{}); !errors.Is(err, graph.ErrMissingThreadID) {
		t.Errorf("Expected ErrMissingThreadID, got %v", err)
	}
	snap, err := cr.GetState(context.Background(), graph.Config{ThreadID: "empty"})
	if err != nil || snap != nil {
		t.Errorf("Expected nil snapshot for an empty thread, got %v, %v", snap, err)
	}
}

func TestCheckpointableRunnable_SerializesThread(t *testing.T) {
	st := memory.NewMemoryCheckpointStore()
	cr := graph.NewCheckpointableRunnable(newTurnGraph(t, okTools), st)
	ctx := context.Background()

	const turns = 8
	var wg sync.WaitGroup
	errs := make(chan error, turns*2)
	for i := range turns {
		for _, thread := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := cr.Invoke(ctx, turnState{Log: []string{fmt.Sprintf("in:%d", i)}}, graph.Config{ThreadID: thread})
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Invoke failed: %v", err)
		}
	}

	for _, thread := range []string{"a", "b"} {
		if n := len(collect(t, st, thread)); n != turns*4 {
			t.Errorf("thread %s: expected %d checkpoints, got %d", thread, turns*4, n)
		}
	}
}
