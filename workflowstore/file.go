package workflowstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/rulesengine/internal/logger"
	"github.com/liamcoop/rulesengine/rules"
)

// ErrReadOnly is returned when writing to a source that only loads workflows
var ErrReadOnly = errors.New("workflow source is read-only")

// ParseWorkflows decodes a JSON or YAML document holding either one workflow
// or a list of workflows. format is a file extension such as ".json" or ".yaml".
func ParseWorkflows(data []byte, format string) ([]*rules.Workflow, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "json":
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var list []*rules.Workflow
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, err
			}
			return list, nil
		}
		var wf rules.Workflow
		if err := json.Unmarshal(trimmed, &wf); err != nil {
			return nil, err
		}
		return []*rules.Workflow{&wf}, nil

	case "yaml", "yml":
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, err
		}
		if len(node.Content) == 0 {
			return nil, nil
		}
		if node.Content[0].Kind == yaml.SequenceNode {
			var list []*rules.Workflow
			if err := node.Decode(&list); err != nil {
				return nil, err
			}
			return list, nil
		}
		var wf rules.Workflow
		if err := node.Decode(&wf); err != nil {
			return nil, err
		}
		return []*rules.Workflow{&wf}, nil
	}
	return nil, fmt.Errorf("unsupported workflow format %q", format)
}

func isWorkflowFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// FileLoader reads workflow definitions from a file or a directory of
// .json/.yaml/.yml files and watches them for changes.
type FileLoader struct {
	path     string
	mu       sync.RWMutex
	current  []*rules.Workflow
	onChange []func([]*rules.Workflow)
}

// NewFileLoader creates a FileLoader and performs the initial load
func NewFileLoader(path string) (*FileLoader, error) {
	l := &FileLoader{path: path}
	workflows, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = workflows
	return l, nil
}

// Workflows returns the latest loaded workflows ordered by name
func (l *FileLoader) Workflows() []*rules.Workflow {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// List returns the latest loaded workflows
func (l *FileLoader) List(_ context.Context) ([]*rules.Workflow, error) {
	return l.Workflows(), nil
}

// Get returns a loaded workflow by name
func (l *FileLoader) Get(_ context.Context, name string) (*rules.Workflow, error) {
	for _, wf := range l.Workflows() {
		if wf.Name == name {
			return wf, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", rules.ErrWorkflowNotFound, name)
}

// Save always fails; edit the files instead
func (l *FileLoader) Save(context.Context, *rules.Workflow) error {
	return ErrReadOnly
}

// Delete always fails; edit the files instead
func (l *FileLoader) Delete(context.Context, string) error {
	return ErrReadOnly
}

// OnChange registers a callback invoked whenever the workflows reload
func (l *FileLoader) OnChange(fn func([]*rules.Workflow)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that reloads the workflows on file
// changes. Call the returned stop function to clean up.
func (l *FileLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("workflow watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("workflow watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if ev.Name != l.path && !isWorkflowFile(ev.Name) {
					continue
				}
				if _, err := l.Reload(); err != nil {
					// Keep serving the previous workflows
					logger.Warn("workflow reload failed", "path", l.path, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("workflow watcher error", "path", l.path, "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the workflow files
func (l *FileLoader) Reload() ([]*rules.Workflow, error) {
	workflows, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = workflows
	callbacks := make([]func([]*rules.Workflow), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(workflows)
	}
	return workflows, nil
}

func (l *FileLoader) load() ([]*rules.Workflow, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, fmt.Errorf("read workflows %s: %w", l.path, err)
	}

	files := []string{l.path}
	if info.IsDir() {
		entries, err := os.ReadDir(l.path)
		if err != nil {
			return nil, fmt.Errorf("read workflows %s: %w", l.path, err)
		}
		files = files[:0]
		for _, entry := range entries {
			if !entry.IsDir() && isWorkflowFile(entry.Name()) {
				files = append(files, filepath.Join(l.path, entry.Name()))
			}
		}
	}

	var workflows []*rules.Workflow
	seen := make(map[string]string)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read workflows %s: %w", file, err)
		}
		parsed, err := ParseWorkflows(data, filepath.Ext(file))
		if err != nil {
			return nil, fmt.Errorf("parse workflows %s: %w", file, err)
		}
		for _, wf := range parsed {
			if wf == nil {
				continue
			}
			if other, dup := seen[wf.Name]; dup {
				return nil, fmt.Errorf("workflow %s is defined in both %s and %s", wf.Name, other, file)
			}
			seen[wf.Name] = file
			workflows = append(workflows, wf)
		}
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	return workflows, nil
}
