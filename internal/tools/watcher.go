package tools

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchEventKind distinguishes a skill-directory change that warrants a
// reload from one that warrants removal.
type WatchEventKind int

const (
	SkillModified WatchEventKind = iota
	SkillRemoved
)

// WatchEvent is one filesystem change relevant to a skill's SKILL.md.
type WatchEvent struct {
	Kind WatchEventKind
	Path string
}

// Watcher reloads the Registry whenever a SKILL.md file under skillsDir is
// created, modified, or removed (§4.7).
type Watcher struct {
	skillsDir string
	registry  *Registry
	fsw       *fsnotify.Watcher

	mu      sync.Mutex
	dirName map[string]string // skill directory -> manifest Name, for removal
}

// NewWatcher creates a Watcher bound to registry, without starting it.
func NewWatcher(skillsDir string, registry *Registry) (*Watcher, error) {
	if err := os.MkdirAll(skillsDir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{skillsDir: skillsDir, registry: registry, fsw: fsw, dirName: make(map[string]string)}, nil
}

// LoadAll performs an initial full scan of skillsDir, registering every
// tool found. It should be called once before Run starts handling
// incremental changes.
func (w *Watcher) LoadAll() error {
	skills, err := ScanSkillDir(w.skillsDir)
	if err != nil {
		return err
	}
	for _, s := range skills {
		w.mu.Lock()
		w.dirName[filepath.Dir(s.Path)] = s.Name
		w.mu.Unlock()
		for _, t := range s.Tools {
			w.registry.Register(t)
		}
	}
	return nil
}

// Run watches for changes until ctx is cancelled, reloading the owning
// skill's tools on create/write and removing them on delete. Each
// subdirectory of skillsDir is watched individually since fsnotify does
// not recurse.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.fsw.Add(w.skillsDir); err != nil {
		return err
	}
	if err := w.addExistingSubdirs(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return w.fsw.Close()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("skill watcher error", "error", err)
		}
	}
}

func (w *Watcher) addExistingSubdirs() error {
	entries, err := os.ReadDir(w.skillsDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = w.fsw.Add(filepath.Join(w.skillsDir, e.Name()))
		}
	}
	return nil
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != "SKILL.md" {
		// A newly created skill subdirectory: start watching it too.
		if ev.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				_ = w.fsw.Add(ev.Name)
			}
		}
		return
	}

	skillDir := filepath.Dir(ev.Name)

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		skill, err := ParseSkillFile(ev.Name)
		if err != nil {
			slog.Warn("failed to reload skill", "path", ev.Name, "error", err)
			return
		}
		// Unregister under whichever name this directory last registered
		// under, in case the SKILL.md name: changed across the reload.
		w.mu.Lock()
		prev, hadPrev := w.dirName[skillDir]
		w.dirName[skillDir] = skill.Name
		w.mu.Unlock()
		if hadPrev {
			w.registry.UnregisterSkill(prev)
		}
		for _, t := range skill.Tools {
			w.registry.Register(t)
		}
		slog.Info("reloaded skill", "name", skill.Name, "tools", len(skill.Tools))
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		name, ok := w.dirName[skillDir]
		delete(w.dirName, skillDir)
		w.mu.Unlock()
		if !ok {
			// Never successfully parsed (e.g. SKILL.md was invalid from
			// the start): nothing was registered under this directory.
			return
		}
		w.registry.UnregisterSkill(name)
		slog.Info("removed skill", "name", name)
	}
}
