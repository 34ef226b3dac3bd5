package notifyd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
)

// doneMarker ends a series: the ingestion side drops it into the series
// directory after the last file.
const doneMarker = ".done"

// SpoolWatcher turns files landing under <root>/<source>/<seriesUID>/ into
// progress notifications, and a done marker into a done notification. It is
// the dev-loop substitute for a real ingestion daemon's internal counters.
type SpoolWatcher struct {
	root      string
	publisher Publisher
	watcher   *fsnotify.Watcher

	// seen dedupes create events per series so a rewritten file does not
	// inflate the count.
	seen map[seriesrelay.SeriesKey]map[string]struct{}
}

func NewSpoolWatcher(root string, publisher Publisher) (*SpoolWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &SpoolWatcher{
		root:      root,
		publisher: publisher,
		watcher:   watcher,
		seen:      map[seriesrelay.SeriesKey]map[string]struct{}{},
	}
	if err := w.scan(); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return w, nil
}

// scan watches the spool tree as it stands, counting files already present
// so later arrivals continue the numbering instead of restarting it.
func (w *SpoolWatcher) scan() error {
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	sources, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, source := range sources {
		if !source.IsDir() {
			continue
		}
		sourcePath := filepath.Join(w.root, source.Name())
		if err := w.watcher.Add(sourcePath); err != nil {
			return err
		}
		seriesDirs, err := os.ReadDir(sourcePath)
		if err != nil {
			return err
		}
		for _, seriesDir := range seriesDirs {
			if !seriesDir.IsDir() {
				continue
			}
			key := seriesrelay.SeriesKey{Source: source.Name(), SeriesUID: seriesDir.Name()}
			if err := w.addSeriesDir(key, filepath.Join(sourcePath, seriesDir.Name()), false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *SpoolWatcher) addSeriesDir(key seriesrelay.SeriesKey, path string, publish bool) error {
	if err := w.watcher.Add(path); err != nil {
		return err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.recordFile(key, entry.Name(), publish)
	}
	return nil
}

func (w *SpoolWatcher) recordFile(key seriesrelay.SeriesKey, name string, publish bool) {
	if name == doneMarker {
		if publish {
			w.publisher.PublishDone(key)
		}
		return
	}
	if strings.HasPrefix(name, ".") {
		return
	}
	files, ok := w.seen[key]
	if !ok {
		files = map[string]struct{}{}
		w.seen[key] = files
	}
	if _, dup := files[name]; dup {
		return
	}
	files[name] = struct{}{}
	if publish {
		w.publisher.PublishProgress(key, len(files))
	}
}

// Run consumes filesystem events until ctx is cancelled or the watcher is
// closed. Watcher-level errors are published against an empty series key so
// connected clients at least see them.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				w.publisher.PublishError(seriesrelay.SeriesKey{}, err.Error())
			}
		}
	}
}

func (w *SpoolWatcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	switch len(parts) {
	case 1:
		if isDir(event.Name) {
			_ = w.watcher.Add(event.Name)
		}
	case 2:
		if isDir(event.Name) {
			key := seriesrelay.SeriesKey{Source: parts[0], SeriesUID: parts[1]}
			_ = w.addSeriesDir(key, event.Name, true)
		}
	case 3:
		if isDir(event.Name) {
			return
		}
		key := seriesrelay.SeriesKey{Source: parts[0], SeriesUID: parts[1]}
		w.recordFile(key, parts[2], true)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
