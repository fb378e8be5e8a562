package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tanq16/hydra/internal/client"
	"github.com/tanq16/hydra/internal/decision"
	"github.com/tanq16/hydra/internal/storage"
	"golang.org/x/sync/errgroup"
)

// span is one byte range scheduled for a fetch round.
type span struct {
	offset int64
	length int64
}

func (e *Engine) runWorker(ctx context.Context, task *Task, handle *workerHandle) {
	defer close(handle.done)
	err := e.transfer(ctx, task)
	switch {
	case err == nil:
		task.setStatus(StatusCompleted)
		e.log.Info().Str("id", task.ID).Str("file", task.Filepath).Msg("Transfer completed")
		e.emit(EventDownloadCompleted, map[string]any{
			"task_id":  task.ID,
			"filepath": task.Filepath,
			"size":     task.TotalSize,
		})
	case errors.Is(err, context.Canceled):
		// The pause/cancel caller owns the status transition.
		e.log.Debug().Str("id", task.ID).Msg("Worker cancelled cooperatively")
	default:
		task.setStatus(StatusFailed)
		task.setError(err.Error())
		e.log.Error().Err(err).Str("id", task.ID).Msg("Transfer failed")
		e.emit(EventDownloadFailed, map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
	e.mu.Lock()
	if e.workers[task.ID] == handle {
		delete(e.workers, task.ID)
	}
	e.mu.Unlock()
}

func (e *Engine) transfer(ctx context.Context, task *Task) error {
	writer := storage.NewWriter(task.Filepath, task.TotalSize)
	resumedBytes, resumedChunkSize, chunkMap, err := writer.Initialize()
	if err != nil {
		return err
	}
	task.Metrics().Resume(resumedBytes)

	// A resumed session picks up the chunk size it left off with; a fresh
	// one auto-scales from the total size. Either way the size keeps
	// adapting: batch building covers chunk-map gaps byte-accurately, so
	// a changed size never disagrees with previously recorded offsets.
	if resumedChunkSize > 0 && len(chunkMap) > 0 {
		task.setChunkSize(resumedChunkSize)
	} else {
		switch {
		case task.TotalSize > 1<<30:
			task.setChunkSize(16 << 20)
		case task.TotalSize > 100<<20:
			task.setChunkSize(8 << 20)
		default:
			task.setChunkSize(1 << 20)
		}
	}

	if task.SupportsRanges && task.TotalSize > 0 {
		err = e.runMultipart(ctx, task, writer, resumedBytes, chunkMap)
	} else {
		err = e.runWholeFile(ctx, task, writer)
	}
	if err != nil {
		writer.Close()
		return err
	}
	return writer.Finalize()
}

// runMultipart drives concurrent fetch rounds until the chunk map covers
// the file. Each round consults the decision engine, fetches up to the
// task's connection count of missing spans, and fails fast if any fetch
// exhausts its retries. On cooperative cancellation the current chunk map
// is persisted for resume before the error propagates.
func (e *Engine) runMultipart(ctx context.Context, task *Task, writer *storage.Writer, resumed int64, chunkMap map[int64]int64) error {
	var mu sync.Mutex
	bytesDone := resumed

	saveState := func() {
		mu.Lock()
		defer mu.Unlock()
		if err := writer.SaveMetadata(bytesDone, task.ChunkSize(), chunkMap); err != nil {
			e.log.Debug().Err(err).Str("id", task.ID).Msg("Error saving resume metadata")
		}
	}

	for {
		if ctx.Err() != nil {
			saveState()
			return ctx.Err()
		}

		snap := task.Metrics().Snapshot()
		for _, d := range e.decisions.Analyze(task.ID, snap, task.ChunkSize(), task.Connections(), task.SupportsRanges) {
			e.applyDecision(task, d)
		}

		batch := buildBatch(task.TotalSize, task.ChunkSize(), task.Connections(), chunkMap)
		if len(batch) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, s := range batch {
			s := s
			g.Go(func() error {
				data, rtt, err := e.client.FetchRange(gctx, task.URL, s.offset, s.offset+s.length-1)
				if err != nil {
					// A cooperative pause/cancel surfaces here as a
					// cancelled fetch; that is not a transfer error and
					// must not feed the adaptation counters.
					if !errors.Is(err, context.Canceled) && gctx.Err() == nil {
						task.Metrics().AddError()
						if client.IsNetworkError(err) {
							task.Metrics().AddRetry()
						}
					}
					return fmt.Errorf("error fetching range at offset %d: %w", s.offset, err)
				}
				if len(data) == 0 && s.length > 0 {
					task.Metrics().AddError()
					return fmt.Errorf("error fetching range at offset %d: empty response body", s.offset)
				}
				if err := writer.WriteChunk(s.offset, data); err != nil {
					return err
				}
				mu.Lock()
				chunkMap[s.offset] = int64(len(data))
				bytesDone += int64(len(data))
				task.Metrics().Update(bytesDone, rtt)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if errors.Is(err, context.Canceled) {
				saveState()
			}
			return err
		}

		snap = task.Metrics().Snapshot()
		e.emit(EventDownloadProgress, map[string]any{
			"task_id":          task.ID,
			"bytes_downloaded": snap.BytesDownloaded,
			"total_size":       task.TotalSize,
			"speed":            snap.CurrentSpeed,
			"eta":              snap.ETASeconds(),
		})
	}
}

// runWholeFile handles servers without range support: one GET for the
// whole body, one write at offset zero.
func (e *Engine) runWholeFile(ctx context.Context, task *Task, writer *storage.Writer) error {
	data, rtt, err := e.client.FetchWhole(ctx, task.URL)
	if err != nil {
		if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			task.Metrics().AddError()
			if client.IsNetworkError(err) {
				task.Metrics().AddRetry()
			}
		}
		return fmt.Errorf("error downloading file: %w", err)
	}
	if err := writer.WriteChunk(0, data); err != nil {
		return err
	}
	task.Metrics().Update(int64(len(data)), rtt)
	snap := task.Metrics().Snapshot()
	e.emit(EventDownloadProgress, map[string]any{
		"task_id":          task.ID,
		"bytes_downloaded": snap.BytesDownloaded,
		"total_size":       task.TotalSize,
		"speed":            snap.CurrentSpeed,
		"eta":              float64(0),
	})
	return nil
}

// applyDecision mutates the task parameters within bounds and emits the
// decision event.
func (e *Engine) applyDecision(task *Task, d decision.Decision) {
	switch d.Kind {
	case decision.IncreaseChunkSize, decision.DecreaseChunkSize:
		task.setChunkSize(d.NewChunkSize)
	case decision.IncreaseConnections, decision.DecreaseConnections:
		task.setConnections(d.NewConnections)
	default:
		return
	}
	e.log.Debug().Str("id", task.ID).Str("kind", string(d.Kind)).Str("from", d.OldValue).Str("to", d.NewValue).Msg("Applied adaptive decision")
	e.emit(EventAdaptiveDecision, map[string]any{
		"task_id":  task.ID,
		"decision": d,
	})
}

// buildBatch treats the chunk map as byte-interval coverage and returns
// up to maxEntries spans of at most chunkSize filling the uncovered gaps.
// Working from coverage rather than a fixed offset grid keeps scheduling
// correct when the chunk size changes between rounds or across resumed
// sessions.
func buildBatch(totalSize, chunkSize int64, maxEntries int, chunkMap map[int64]int64) []span {
	covered := make([]span, 0, len(chunkMap))
	for offset, length := range chunkMap {
		// A zero-length entry covers nothing and would stall the cursor.
		if length <= 0 {
			continue
		}
		covered = append(covered, span{offset: offset, length: length})
	}
	sort.Slice(covered, func(i, j int) bool { return covered[i].offset < covered[j].offset })

	var batch []span
	cursor := int64(0)
	for _, c := range covered {
		for cursor < c.offset {
			if len(batch) >= maxEntries {
				return batch
			}
			length := min(chunkSize, c.offset-cursor)
			batch = append(batch, span{offset: cursor, length: length})
			cursor += length
		}
		if end := c.offset + c.length; end > cursor {
			cursor = end
		}
	}
	for cursor < totalSize {
		if len(batch) >= maxEntries {
			return batch
		}
		length := min(chunkSize, totalSize-cursor)
		batch = append(batch, span{offset: cursor, length: length})
		cursor += length
	}
	return batch
}
