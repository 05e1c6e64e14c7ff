package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loghive/loghive/pkg/config"
)

// FileOffset is a persisted tail position. The inode detects rotation:
// same path, different inode means the file was replaced.
type FileOffset struct {
	Path   string
	Inode  uint64
	Offset int64
}

// OffsetStore persists tail positions across restarts.
type OffsetStore interface {
	LoadOffsets(ctx context.Context) (map[string]FileOffset, error)
	SaveOffset(ctx context.Context, path string, inode uint64, offset int64) error
	DeleteOffset(ctx context.Context, path string) error
}

// tailMaxLine clips a single line; longer lines are emitted clipped so the
// reader can keep advancing.
const tailMaxLine = 1 << 20

// tailListener follows every regular file in one directory, emitting each
// complete line as a frame. fsnotify drives it, with a poll ticker backing
// up filesystems that drop events.
type tailListener struct {
	m     *Manager
	cfg   *config.FileTailConfig
	store OffsetStore

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.Mutex
	files map[string]*tailFile
}

type tailFile struct {
	inode  uint64
	offset int64
}

func newTailListener(m *Manager, cfg *config.FileTailConfig, store OffsetStore) Listener {
	return &tailListener{m: m, cfg: cfg, store: store, files: make(map[string]*tailFile)}
}

func (l *tailListener) Name() string { return "file-tail" }

func (l *tailListener) Start(ctx context.Context) error {
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("file-tail: create %s: %w", l.cfg.Dir, err)
	}

	if l.store != nil {
		stored, err := l.store.LoadOffsets(ctx)
		if err != nil {
			slog.Warn("Stored tail offsets unavailable, starting from scratch", "error", err)
		}
		for path, off := range stored {
			if filepath.Dir(path) == filepath.Clean(l.cfg.Dir) {
				l.files[path] = &tailFile{inode: off.Inode, offset: off.Offset}
			}
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file-tail: watcher: %w", err)
	}
	if err := watcher.Add(l.cfg.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("file-tail: watch %s: %w", l.cfg.Dir, err)
	}
	l.watcher = watcher

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx)
	return nil
}

func (l *tailListener) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.watcher.Close()
}

func (l *tailListener) run(ctx context.Context) {
	defer close(l.done)

	l.scanDir(ctx)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
				if tailable(event.Name) {
					l.scanFile(ctx, event.Name)
				}
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				l.forget(ctx, event.Name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("File watcher error", "error", err)
		case <-ticker.C:
			l.scanDir(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// scanDir reads new lines from every tailable file in the directory.
func (l *tailListener) scanDir(ctx context.Context) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		slog.Warn("Tail directory unreadable", "dir", l.cfg.Dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(l.cfg.Dir, entry.Name())
		if tailable(path) {
			l.scanFile(ctx, path)
		}
	}
}

func tailable(path string) bool {
	base := filepath.Base(path)
	return base != "" && base[0] != '.'
}

// scanFile reads from the stored position to EOF, emitting complete lines.
// The offset only ever advances past a newline, so a partial trailing line
// is re-read on the next scan rather than buffered.
func (l *tailListener) scanFile(ctx context.Context, path string) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return
	}
	inode := fileInode(fi)

	l.mu.Lock()
	state, ok := l.files[path]
	if !ok {
		state = &tailFile{inode: inode}
		l.files[path] = state
	}
	if state.inode != inode {
		slog.Info("Tailed file rotated", "path", path)
		state.inode = inode
		state.offset = 0
	}
	if fi.Size() < state.offset {
		slog.Info("Tailed file truncated", "path", path)
		state.offset = 0
	}
	offset := state.offset
	l.mu.Unlock()

	if fi.Size() == offset {
		return
	}

	consumed, err := l.readLines(path, offset)
	if err != nil {
		slog.Warn("Tail read failed", "path", path, "error", err)
		return
	}
	if consumed == 0 {
		return
	}

	l.mu.Lock()
	state.offset = offset + consumed
	newOffset := state.offset
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveOffset(ctx, path, inode, newOffset); err != nil {
			slog.Warn("Tail offset save failed", "path", path, "error", err)
		}
	}
}

// readLines emits every complete line after offset and reports how many
// bytes were consumed. A line exceeding tailMaxLine is emitted clipped so
// the offset can move past it.
func (l *tailListener) readLines(path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	r := bufio.NewReaderSize(f, 64<<10)
	var consumed, pending int64
	line := make([]byte, 0, 256)
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) <= tailMaxLine {
			line = append(line, chunk...)
		} else if len(line) < tailMaxLine {
			line = append(line, chunk[:tailMaxLine-len(line)]...)
		}
		pending += int64(len(chunk))

		switch {
		case err == nil:
			consumed += pending
			pending = 0
			l.emit(path, line)
			line = line[:0]
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if pending > tailMaxLine {
				consumed += pending
				l.emit(path, line)
			}
			return consumed, nil
		default:
			return consumed, err
		}
	}
}

func (l *tailListener) emit(path string, line []byte) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(trimmed)) == 0 {
		return
	}
	payload := make([]byte, len(trimmed))
	copy(payload, trimmed)
	l.m.offer(RawFrame{
		Proto:      ProtoFile,
		Payload:    payload,
		ReceivedAt: time.Now(),
		Origin:     path,
	})
}

func (l *tailListener) forget(ctx context.Context, path string) {
	l.mu.Lock()
	_, known := l.files[path]
	delete(l.files, path)
	l.mu.Unlock()

	if known && l.store != nil {
		if err := l.store.DeleteOffset(ctx, path); err != nil {
			slog.Warn("Tail offset delete failed", "path", path, "error", err)
		}
	}
}

func fileInode(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
