package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tanq16/hydra/internal/utils"
)

// Writer manages the on-disk partial file and resume metadata for one
// destination path. Chunk writes at arbitrary offsets share a single file
// handle and are serialized by the writer's mutex; separate writer
// instances (separate files) are independent.
type Writer struct {
	mu          sync.Mutex
	destPath    string
	partialPath string
	metaPath    string
	totalSize   int64
	file        *os.File
	finalized   bool
}

type metadata struct {
	BytesDownloaded int64            `json:"bytes_downloaded"`
	TotalSize       int64            `json:"total_size"`
	ChunkSize       int64            `json:"chunk_size,omitempty"`
	Chunks          map[string]int64 `json:"chunks"`
}

func NewWriter(destPath string, totalSize int64) *Writer {
	return &Writer{
		destPath:    destPath,
		partialPath: destPath + ".partial",
		metaPath:    destPath + ".meta",
		totalSize:   totalSize,
	}
}

// Initialize opens the partial file, resuming from the sidecar metadata
// when it exists and its recorded total size matches. A size mismatch or
// unreadable sidecar discards both files and starts fresh. Returns the
// resumed byte count, the chunk size the map was written under (0 when
// fresh), and the chunk map.
func (w *Writer) Initialize() (int64, int64, map[int64]int64, error) {
	log := utils.GetLogger("resumable-writer")
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := os.Stat(w.partialPath); err == nil {
		if meta, err := w.readMetadata(); err == nil {
			if meta.TotalSize == w.totalSize {
				chunks := make(map[int64]int64, len(meta.Chunks))
				for k, v := range meta.Chunks {
					offset, err := strconv.ParseInt(k, 10, 64)
					if err != nil {
						chunks = nil
						break
					}
					chunks[offset] = v
				}
				if chunks != nil {
					if err := w.openPartial(); err != nil {
						return 0, 0, nil, err
					}
					log.Debug().Str("file", filepath.Base(w.destPath)).Int64("resumed", meta.BytesDownloaded).Int("chunks", len(chunks)).Msg("Resuming from existing partial file")
					return meta.BytesDownloaded, meta.ChunkSize, chunks, nil
				}
			}
			log.Debug().Str("file", filepath.Base(w.destPath)).Int64("recorded", meta.TotalSize).Int64("expected", w.totalSize).Msg("Metadata mismatch, starting fresh")
		} else {
			log.Debug().Err(err).Str("file", filepath.Base(w.destPath)).Msg("Unreadable metadata, starting fresh")
		}
	}

	if err := w.createFresh(); err != nil {
		return 0, 0, nil, err
	}
	return 0, 0, map[int64]int64{}, nil
}

func (w *Writer) readMetadata() (*metadata, error) {
	data, err := os.ReadFile(w.metaPath)
	if err != nil {
		return nil, err
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// createFresh removes any stale state, creates parent directories, and
// pre-allocates the partial file sparsely by writing a single byte at the
// final offset so chunks can land out of order without growing the file.
func (w *Writer) createFresh() error {
	os.Remove(w.partialPath)
	os.Remove(w.metaPath)
	if err := os.MkdirAll(filepath.Dir(w.destPath), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %v", err)
	}
	file, err := os.OpenFile(w.partialPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error creating partial file: %v", err)
	}
	if w.totalSize > 0 {
		if _, err := file.WriteAt([]byte{0}, w.totalSize-1); err != nil {
			file.Close()
			return fmt.Errorf("error pre-allocating partial file: %v", err)
		}
	}
	w.file = file
	return nil
}

func (w *Writer) openPartial() error {
	file, err := os.OpenFile(w.partialPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("error opening partial file: %v", err)
	}
	w.file = file
	return nil
}

// WriteChunk writes data at the given offset. Safe for concurrent callers
// on the same writer.
func (w *Writer) WriteChunk(offset int64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil || w.finalized {
		return fmt.Errorf("writer is not open for %s", w.destPath)
	}
	if _, err := w.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("error writing chunk at offset %d: %v", offset, err)
	}
	return nil
}

// SaveMetadata persists the resume snapshot to the sidecar path. chunkSize
// records the offset grid the chunk map was built against.
func (w *Writer) SaveMetadata(bytesDownloaded int64, chunkSize int64, chunks map[int64]int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	meta := metadata{
		BytesDownloaded: bytesDownloaded,
		TotalSize:       w.totalSize,
		ChunkSize:       chunkSize,
		Chunks:          make(map[string]int64, len(chunks)),
	}
	for offset, length := range chunks {
		meta.Chunks[strconv.FormatInt(offset, 10)] = length
	}
	data, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("error encoding metadata: %v", err)
	}
	if err := os.WriteFile(w.metaPath, data, 0644); err != nil {
		return fmt.Errorf("error saving metadata: %v", err)
	}
	return nil
}

// Finalize atomically replaces the destination with the partial file and
// removes the sidecar. The writer accepts no further writes afterwards.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.destPath)
	if err := os.Rename(w.partialPath, w.destPath); err != nil {
		return fmt.Errorf("error finalizing output file: %v", err)
	}
	os.Remove(w.metaPath)
	w.finalized = true
	return nil
}

// Cleanup removes the partial file and sidecar. Idempotent; missing files
// are not an error.
func (w *Writer) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.partialPath)
	os.Remove(w.metaPath)
	return nil
}

// Close releases the file handle without touching on-disk state. Used when
// a worker stops but resume data should survive.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}
