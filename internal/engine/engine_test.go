package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tanq16/hydra/internal/client"
	"github.com/tanq16/hydra/internal/decision"
	"github.com/tanq16/hydra/internal/utils"
)

func init() {
	utils.InitLogger(false)
}

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload.bin", time.Now(), bytes.NewReader(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := Config{
		Client: client.Config{
			Timeout:      30 * time.Second,
			ProbeTimeout: 5 * time.Second,
			MaxRetries:   2,
			BackoffBase:  time.Millisecond,
		},
		Decision: decision.DefaultConfig(),
	}
	e := New(cfg)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

// eventRecorder captures emitted events for later inspection.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(et EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func mustTask(t *testing.T, e *Engine, id string) *Task {
	t.Helper()
	task, ok := e.GetTask(id)
	if !ok {
		t.Fatalf("task %s not registered", id)
	}
	return task
}

func waitForStatus(t *testing.T, e *Engine, id string, want Status) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		task := mustTask(t, e, id)
		if task.Status() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task %s stuck in %s, want %s (error: %q)", id, task.Status(), want, task.ErrorMessage())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMultipartDownloadCompletes(t *testing.T) {
	payload := testPayload(3<<20 + 12345)
	srv := rangeServer(t, payload)
	e := testEngine(t)
	rec := &eventRecorder{}
	e.Subscribe(rec.record)

	dir := t.TempDir()
	id, err := e.AddTask(context.Background(), srv.URL+"/payload.bin", dir, "", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	task := mustTask(t, e, id)
	if !task.SupportsRanges {
		t.Fatal("expected range support to be detected")
	}
	if task.TotalSize != int64(len(payload)) {
		t.Fatalf("probed size %d, want %d", task.TotalSize, len(payload))
	}
	waitForStatus(t, e, id, StatusCompleted)

	got, err := os.ReadFile(task.Filepath)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded bytes differ from payload")
	}
	if _, err := os.Stat(task.Filepath + ".partial"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind after completion")
	}
	if _, err := os.Stat(task.Filepath + ".meta"); !os.IsNotExist(err) {
		t.Fatal("metadata file left behind after completion")
	}
	if len(rec.ofType(EventDownloadCompleted)) != 1 {
		t.Fatal("expected one download_completed event")
	}
	if len(rec.ofType(EventDownloadProgress)) == 0 {
		t.Fatal("expected progress events")
	}
}

func TestWholeFileFallbackWithoutRangeSupport(t *testing.T) {
	payload := testPayload(128 << 10)
	var mu sync.Mutex
	var sawRange bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if r.Header.Get("Range") != "" {
			sawRange = true
		}
		mu.Unlock()
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "131072")
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	e := testEngine(t)
	dir := t.TempDir()
	id, err := e.AddTask(context.Background(), srv.URL+"/plain.bin", dir, "plain.bin", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if mustTask(t, e, id).SupportsRanges {
		t.Fatal("server does not advertise range support")
	}
	waitForStatus(t, e, id, StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if sawRange {
		t.Fatal("ranged request sent to a server without range support")
	}
	got, err := os.ReadFile(filepath.Join(dir, "plain.bin"))
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded bytes differ from payload")
	}
}

func TestRetryExhaustionFailsTask(t *testing.T) {
	var mu sync.Mutex
	probed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !probed && r.Method == http.MethodHead {
			probed = true
			w.Header().Set("Content-Length", "1048576")
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := testEngine(t)
	rec := &eventRecorder{}
	e.Subscribe(rec.record)

	id, err := e.AddTask(context.Background(), srv.URL+"/broken.bin", t.TempDir(), "", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	waitForStatus(t, e, id, StatusFailed)
	if mustTask(t, e, id).ErrorMessage() == "" {
		t.Fatal("failed task carries no error message")
	}
	if len(rec.ofType(EventDownloadFailed)) != 1 {
		t.Fatal("expected one download_failed event")
	}
}

func TestAddTaskProbeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := testEngine(t)
	rec := &eventRecorder{}
	e.Subscribe(rec.record)

	_, err := e.AddTask(context.Background(), srv.URL+"/missing.bin", t.TempDir(), "", true)
	if err == nil {
		t.Fatal("expected probe failure")
	}
	if len(e.ListByStatus("")) != 0 {
		t.Fatal("failed probe must not register a task")
	}
	if len(rec.ofType(EventDownloadFailed)) != 1 {
		t.Fatal("expected one download_failed event for the probe failure")
	}
}

func TestAddTaskWithoutStart(t *testing.T) {
	payload := testPayload(64 << 10)
	srv := rangeServer(t, payload)
	e := testEngine(t)

	id, err := e.AddTask(context.Background(), srv.URL+"/payload.bin", t.TempDir(), "", false)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if got := mustTask(t, e, id).Status(); got != StatusQueued {
		t.Fatalf("status %s, want %s", got, StatusQueued)
	}
	e.StartTask(id)
	waitForStatus(t, e, id, StatusCompleted)
}

func TestAddTaskRequiresStartedEngine(t *testing.T) {
	e := New(Config{})
	if _, err := e.AddTask(context.Background(), "http://127.0.0.1/none", t.TempDir(), "", false); err == nil {
		t.Fatal("expected error from an engine that was never started")
	}
}

func TestDeleteTaskRemovesFiles(t *testing.T) {
	payload := testPayload(64 << 10)
	srv := rangeServer(t, payload)
	e := testEngine(t)
	rec := &eventRecorder{}
	e.Subscribe(rec.record)

	id, err := e.AddTask(context.Background(), srv.URL+"/payload.bin", t.TempDir(), "", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	task := mustTask(t, e, id)
	waitForStatus(t, e, id, StatusCompleted)

	if !e.DeleteTask(id, true) {
		t.Fatal("DeleteTask returned false for an existing task")
	}
	if _, ok := e.GetTask(id); ok {
		t.Fatal("task still listed after delete")
	}
	if _, err := os.Stat(task.Filepath); !os.IsNotExist(err) {
		t.Fatal("completed file still on disk after delete with deleteFiles")
	}
	if len(rec.ofType(EventDownloadDeleted)) != 1 {
		t.Fatal("expected one download_deleted event")
	}
	if e.DeleteTask(id, false) {
		t.Fatal("DeleteTask returned true for an unknown task")
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	payload := testPayload(32 << 10)
	srv := rangeServer(t, payload)
	e := testEngine(t)

	e.Subscribe(func(Event) { panic("handler exploded") })
	rec := &eventRecorder{}
	e.Subscribe(rec.record)

	id, err := e.AddTask(context.Background(), srv.URL+"/payload.bin", t.TempDir(), "", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	waitForStatus(t, e, id, StatusCompleted)
	if len(rec.ofType(EventDownloadCompleted)) != 1 {
		t.Fatal("later handler did not receive events past the panicking one")
	}
}

func TestListByStatus(t *testing.T) {
	payload := testPayload(16 << 10)
	srv := rangeServer(t, payload)
	e := testEngine(t)

	queuedID, err := e.AddTask(context.Background(), srv.URL+"/a.bin", t.TempDir(), "a.bin", false)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	doneID, err := e.AddTask(context.Background(), srv.URL+"/b.bin", t.TempDir(), "b.bin", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	waitForStatus(t, e, doneID, StatusCompleted)

	if got := e.ListByStatus(StatusQueued); len(got) != 1 || got[0].ID != queuedID {
		t.Fatalf("queued list wrong: %v", got)
	}
	if got := e.ListByStatus(StatusCompleted); len(got) != 1 || got[0].ID != doneID {
		t.Fatalf("completed list wrong: %v", got)
	}
	if got := e.ListByStatus(""); len(got) != 2 {
		t.Fatalf("full list has %d entries, want 2", len(got))
	}
}

func TestBuildBatchFillsGaps(t *testing.T) {
	const mib = int64(1 << 20)
	chunkMap := map[int64]int64{
		0:       mib,
		2 * mib: mib,
	}
	batch := buildBatch(4*mib, mib, 16, chunkMap)
	want := []span{{mib, mib}, {3 * mib, mib}}
	if len(batch) != len(want) {
		t.Fatalf("batch has %d spans, want %d", len(batch), len(want))
	}
	for i, s := range batch {
		if s != want[i] {
			t.Fatalf("span %d = %+v, want %+v", i, s, want[i])
		}
	}
}

func TestBuildBatchHandlesChunkSizeChange(t *testing.T) {
	const mib = int64(1 << 20)
	// Coverage recorded on a 1 MiB grid, scheduling now at 2 MiB. Spans
	// must fill exactly the missing bytes with no overlap or gap.
	chunkMap := map[int64]int64{
		0:       mib,
		3 * mib: mib,
	}
	batch := buildBatch(8*mib, 2*mib, 16, chunkMap)
	covered := 2 * mib
	for _, s := range batch {
		for off, length := range chunkMap {
			if s.offset < off+length && off < s.offset+s.length {
				t.Fatalf("span %+v overlaps recorded chunk at %d", s, off)
			}
		}
		if s.length > 2*mib {
			t.Fatalf("span %+v exceeds the chunk size", s)
		}
		covered += s.length
	}
	if covered != 8*mib {
		t.Fatalf("total coverage %d, want %d", covered, 8*mib)
	}
}

func TestBuildBatchRespectsMaxEntries(t *testing.T) {
	batch := buildBatch(100<<20, 1<<20, 4, map[int64]int64{})
	if len(batch) != 4 {
		t.Fatalf("batch has %d spans, want 4", len(batch))
	}
	if batch[0].offset != 0 || batch[3].offset != 3<<20 {
		t.Fatalf("unexpected span offsets: %+v", batch)
	}
}

func TestBuildBatchIgnoresZeroLengthEntries(t *testing.T) {
	const mib = int64(1 << 20)
	chunkMap := map[int64]int64{0: 0}
	batch := buildBatch(mib, mib, 8, chunkMap)
	if len(batch) != 1 || batch[0] != (span{0, mib}) {
		t.Fatalf("zero-length entry must not count as coverage, got %+v", batch)
	}
}

func TestBuildBatchCompleteMapYieldsNothing(t *testing.T) {
	const mib = int64(1 << 20)
	chunkMap := map[int64]int64{0: mib, mib: mib}
	if batch := buildBatch(2*mib, mib, 8, chunkMap); len(batch) != 0 {
		t.Fatalf("expected empty batch, got %+v", batch)
	}
}

func TestPauseAndResumeTask(t *testing.T) {
	payload := testPayload(2 << 20)
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.Header.Get("Range"), "bytes=1") {
			// Stall the second chunk until released so the pause lands
			// while the transfer is in flight.
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		http.ServeContent(w, r, "payload.bin", time.Now(), bytes.NewReader(payload))
	}))
	defer srv.Close()

	e := testEngine(t)
	rec := &eventRecorder{}
	e.Subscribe(rec.record)

	id, err := e.AddTask(context.Background(), srv.URL+"/payload.bin", t.TempDir(), "", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	task := mustTask(t, e, id)
	time.Sleep(50 * time.Millisecond)
	e.PauseTask(id)
	if got := task.Status(); got != StatusPaused {
		t.Fatalf("status %s, want %s", got, StatusPaused)
	}
	if len(rec.ofType(EventDownloadPaused)) != 1 {
		t.Fatal("expected one download_paused event")
	}

	once.Do(func() { close(release) })
	e.StartTask(id)
	waitForStatus(t, e, id, StatusCompleted)

	got, err := os.ReadFile(task.Filepath)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("resumed download produced wrong bytes")
	}
}

func TestPauseLeavesErrorCountersUntouched(t *testing.T) {
	payload := testPayload(2 << 20)
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") != "" {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		http.ServeContent(w, r, "payload.bin", time.Now(), bytes.NewReader(payload))
	}))
	defer srv.Close()

	e := testEngine(t)
	id, err := e.AddTask(context.Background(), srv.URL+"/payload.bin", t.TempDir(), "", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	task := mustTask(t, e, id)
	time.Sleep(50 * time.Millisecond)
	e.PauseTask(id)
	if got := task.Status(); got != StatusPaused {
		t.Fatalf("status %s, want %s", got, StatusPaused)
	}

	snap := task.Metrics().Snapshot()
	if snap.ErrorCount != 0 || snap.RetryCount != 0 {
		t.Fatalf("pause counted as transfer errors: ErrorCount=%d RetryCount=%d, want 0/0", snap.ErrorCount, snap.RetryCount)
	}
}

func TestEmptyRangeResponseFailsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "1048576")
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		// 200 with an empty body for every ranged GET.
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := testEngine(t)
	id, err := e.AddTask(context.Background(), srv.URL+"/empty.bin", t.TempDir(), "", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	waitForStatus(t, e, id, StatusFailed)
	if mustTask(t, e, id).ErrorMessage() == "" {
		t.Fatal("failed task carries no error message")
	}
}

func TestCancelTaskCleansUp(t *testing.T) {
	payload := testPayload(2 << 20)
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") != "" {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		http.ServeContent(w, r, "payload.bin", time.Now(), bytes.NewReader(payload))
	}))
	defer srv.Close()

	e := testEngine(t)
	id, err := e.AddTask(context.Background(), srv.URL+"/payload.bin", t.TempDir(), "", true)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	task := mustTask(t, e, id)
	time.Sleep(50 * time.Millisecond)
	e.CancelTask(id)
	if got := task.Status(); got != StatusCancelled {
		t.Fatalf("status %s, want %s", got, StatusCancelled)
	}
	if _, err := os.Stat(task.Filepath + ".partial"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind after cancel")
	}
	if _, err := os.Stat(task.Filepath + ".meta"); !os.IsNotExist(err) {
		t.Fatal("metadata file left behind after cancel")
	}
}
