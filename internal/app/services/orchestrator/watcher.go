package orchestrator

import (
	"context"

	"github.com/fsnotify/fsnotify"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// watchDevicesPath watches basePath for additions/removals and calls
// onChange once for every create, remove or rename event; calls are not
// debounced, so one backup arriving can trigger several. It mirrors the select-loop shape the rest of the
// pack uses for long-lived pollers, with fsnotify in place of a
// hand-rolled stat loop (spec §4.7's "a directory-watcher task polls
// the devices base path for additions/removals").
func watchDevicesPath(ctx context.Context, basePath string, log waLog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(basePath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Directory-watcher errors are logged and the loop
				// continues, per spec §7's retry policy.
				if log != nil {
					log.Warnf("devices path watch error: %v", err)
				}
			}
		}
	}()

	return nil
}
