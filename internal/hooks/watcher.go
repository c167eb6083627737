package hooks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch rebuilds the discovered script tail of the pipeline whenever
// the hooks dir changes. It blocks until the context is cancelled and
// is a no-op when no hooks dir is configured.
func (p *Pipeline) Watch(ctx context.Context) error {
	if p.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(p.dir); err != nil {
		return err
	}
	slog.Info("hooks.watching", "dir", p.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			slog.Debug("hooks.dir_changed", "file", ev.Name, "op", ev.Op.String())
			p.reloadDir()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("hooks.watch_error", "error", err)
		}
	}
}

// reloadDir rescans the hooks dir. Executable files named in_* join
// the incoming tail, out_* the outgoing tail, both in lexical filename
// order. Config-declared transforms are untouched.
func (p *Pipeline) reloadDir() {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		slog.Warn("hooks.scan_failed", "dir", p.dir, "error", err)
		return
	}

	var in, out []Transform
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		name := e.Name()
		path := filepath.Join(p.dir, name)
		switch {
		case strings.HasPrefix(name, "in_"):
			in = append(in, &commandTransform{name: name, path: path})
		case strings.HasPrefix(name, "out_"):
			out = append(out, &commandTransform{name: name, path: path})
		}
	}

	p.mu.Lock()
	p.dirIn = in
	p.dirOut = out
	p.mu.Unlock()

	if len(in)+len(out) > 0 {
		slog.Info("hooks.scripts_loaded", "incoming", len(in), "outgoing", len(out))
	}
}
