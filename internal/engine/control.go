package engine

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ControlWatcher turns files dropped into a signals directory into run
// control actions, so an operator can steer an executing run from
// outside the process:
//
//	<runID>.cancel:  abort the run
//	<runID>.approve: approve degraded continuation
//	<runID>.reject:  reject it and roll back
type ControlWatcher struct {
	engine     *Engine
	signalsDir string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewControlWatcher creates the signals directory and starts watching it.
// Signal files are consumed (deleted) once acted on.
func NewControlWatcher(e *Engine, baseDir string) (*ControlWatcher, error) {
	signalsDir := filepath.Join(baseDir, "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	cw := &ControlWatcher{
		engine:     e,
		signalsDir: signalsDir,
		done:       make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - Poll can be used instead
		return cw, nil
	}
	cw.watcher = watcher

	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		cw.watcher = nil
		return cw, nil
	}

	go cw.watchSignals()
	return cw, nil
}

// SignalsDir returns the watched directory.
func (cw *ControlWatcher) SignalsDir() string {
	return cw.signalsDir
}

func (cw *ControlWatcher) watchSignals() {
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0 {
				cw.handleSignal(event.Name)
			}
		case <-cw.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// Poll scans the signals directory once, for hosts without a working
// watcher.
func (cw *ControlWatcher) Poll() {
	entries, err := os.ReadDir(cw.signalsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			cw.handleSignal(filepath.Join(cw.signalsDir, entry.Name()))
		}
	}
}

func (cw *ControlWatcher) handleSignal(path string) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	runID := strings.TrimSuffix(base, ext)
	if runID == "" {
		return
	}

	var err error
	switch ext {
	case ".cancel":
		err = cw.engine.Cancel(runID, "cancelled via signal file at "+time.Now().Format(time.RFC3339))
	case ".approve":
		err = cw.engine.Approve(runID, true)
	case ".reject":
		err = cw.engine.Approve(runID, false)
	default:
		return
	}

	if err != nil {
		debugLog("control signal %s: %v", base, err)
	}
	os.Remove(path)
}

// Close stops the watcher.
func (cw *ControlWatcher) Close() {
	close(cw.done)
	if cw.watcher != nil {
		cw.watcher.Close()
	}
}
