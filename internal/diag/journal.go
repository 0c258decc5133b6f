package diag

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrJournalClosed is returned by Write after Close.
var ErrJournalClosed = errors.New("diag: journal closed")

// Journal appends events as JSON lines to a date-organized, size-rotated
// file. Writes are queued and performed by a single goroutine.
type Journal struct {
	baseDir   string
	maxSizeMB int
	writeCh   chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	out         *lumberjack.Logger
	now         func() time.Time
}

// NewJournal starts a journal under baseDir. bufferSize bounds the queue;
// events beyond it are dropped with a warning.
func NewJournal(baseDir string, bufferSize, maxSizeMB int) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 25
	}
	j := &Journal{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Event, bufferSize),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Report implements Reporter.
func (j *Journal) Report(evt Event) {
	_ = j.Write(evt)
}

// Write queues evt without blocking.
func (j *Journal) Write(evt Event) error {
	select {
	case <-j.done:
		return ErrJournalClosed
	default:
	}
	select {
	case j.writeCh <- evt:
		return nil
	default:
		slog.Warn("diag journal buffer full, dropping event", "kind", evt.Kind)
		return errors.New("diag: journal buffer full")
	}
}

// Close stops the writer after draining what is already queued.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.out != nil {
		err := j.out.Close()
		j.out = nil
		return err
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case evt := <-j.writeCh:
			j.writeEvent(evt)
		case <-j.done:
			for {
				select {
				case evt := <-j.writeCh:
					j.writeEvent(evt)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) writeEvent(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("diag journal marshal failed", "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	date := j.now().UTC().Format("2006-01-02")
	if date != j.currentDate || j.out == nil {
		if !j.rotateForDate(date) {
			return
		}
	}
	if _, err := j.out.Write(append(data, '\n')); err != nil {
		slog.Error("diag journal write failed", "error", err)
	}
}

func (j *Journal) rotateForDate(date string) bool {
	if j.out != nil {
		j.out.Close()
		j.out = nil
	}
	dir := filepath.Join(j.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("diag journal mkdir failed", "error", err, "dir", dir)
		return false
	}
	filename := filepath.Join(dir, "diagnostics.jsonl")
	j.out = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    j.maxSizeMB,
		MaxBackups: 10,
		MaxAge:     30,
	}
	j.currentDate = date
	slog.Debug("diag journal opened", "file", filename)
	return true
}
