package scenario

import (
	"log/slog"

	"github.com/MrWong99/voicecoach/internal/config"
)

// Watch loads the catalog at path into c and keeps it current. Each valid
// change is swapped in and the resulting diff is logged; an invalid file is
// logged by the watcher and the previous catalog stays in service. The
// returned watcher must be stopped by the caller.
func Watch(path string, c *Catalog, opts ...config.WatcherOption) (*config.Watcher[*File], error) {
	w, err := config.NewWatcher(path, Parse, func(_, next *File) {
		d := c.Replace(next)
		if d.Empty() {
			return
		}
		slog.Info("scenario catalog reloaded", "path", path, "diff", d)
	}, opts...)
	if err != nil {
		return nil, err
	}
	c.Replace(w.Current())
	return w, nil
}
