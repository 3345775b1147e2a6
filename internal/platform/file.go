package platform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kharren/nexus/pkg/models"
)

// File is a TaskPlatform backed by the local filesystem. Agents (or an
// external bridge) append signal lines to <dir>/<taskRef>.jsonl; each
// line is either a JSON completion artifact or plain text. Updates are
// appended to <dir>/<taskRef>.updates.log. The read cursor is a byte
// offset kept per task and mirrored to <dir>/<taskRef>.cursor, so each
// signal is delivered once even across process restarts.
type File struct {
	dir     string
	mu      sync.Mutex
	offsets map[string]int64
}

// NewFile creates a file platform rooted at dir.
func NewFile(dir string) *File {
	return &File{dir: dir, offsets: make(map[string]int64)}
}

func (f *File) signalPath(taskRef string) string {
	return filepath.Join(f.dir, taskRef+".jsonl")
}

func (f *File) cursorPath(taskRef string) string {
	return filepath.Join(f.dir, taskRef+".cursor")
}

// loadOffset returns the read cursor for a task, falling back to the
// persisted sidecar when this process has not read the task yet.
// Callers hold f.mu.
func (f *File) loadOffset(taskRef string) int64 {
	if offset, ok := f.offsets[taskRef]; ok {
		return offset
	}
	data, err := os.ReadFile(f.cursorPath(taskRef))
	if err != nil {
		return 0
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

func (f *File) saveOffset(taskRef string, offset int64) error {
	return os.WriteFile(f.cursorPath(taskRef), []byte(strconv.FormatInt(offset, 10)), 0644)
}

// PostUpdate implements TaskPlatform.
func (f *File) PostUpdate(taskRef, text string) error {
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	path := filepath.Join(f.dir, taskRef+".updates.log")
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open updates log: %w", err)
	}
	defer out.Close()
	_, err = fmt.Fprintf(out, "%s | %s\n", time.Now().UTC().Format(time.RFC3339), text)
	return err
}

// ReadSignals implements TaskPlatform. Lines appended since the last
// call are parsed: valid JSON objects become structured artifacts,
// everything else is a text signal.
func (f *File) ReadSignals(taskRef string) ([]models.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.signalPath(taskRef)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open signal file: %w", err)
	}
	defer file.Close()

	offset := f.loadOffset(taskRef)
	start := offset
	if _, err := file.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("seek signal file: %w", err)
	}

	var signals []models.Signal
	now := time.Now()
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial final line stays unread until the writer
			// finishes it.
			break
		}
		offset += int64(len(line))

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		sig := models.Signal{ObservedAt: now, Text: line}
		if strings.HasPrefix(line, "{") {
			var artifact models.CompletionArtifact
			if json.Unmarshal([]byte(line), &artifact) == nil && artifact.Status != "" {
				sig.Artifact = &artifact
				sig.Text = ""
			}
		}
		signals = append(signals, sig)
	}

	f.offsets[taskRef] = offset
	if offset != start {
		if err := f.saveOffset(taskRef, offset); err != nil {
			// The in-memory cursor still holds; only a restart before
			// the next successful save would redeliver these lines.
			log.Printf("[platform] persist cursor for %s: %v", taskRef, err)
		}
	}
	return signals, nil
}

// Close implements TaskPlatform by renaming the signal file so a
// reopened task starts a fresh stream.
func (f *File) Close(taskRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.signalPath(taskRef)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	closed := path + ".closed." + time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(path, closed); err != nil {
		return fmt.Errorf("archive signal file: %w", err)
	}
	if err := os.Remove(f.cursorPath(taskRef)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cursor: %w", err)
	}
	delete(f.offsets, taskRef)
	return nil
}

// Verify File implements TaskPlatform at compile time.
var _ TaskPlatform = (*File)(nil)
