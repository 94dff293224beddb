// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces bursts of filesystem events into one reload.
const debounce = 250 * time.Millisecond

// Watch reloads the registry whenever a YAML file in either directory
// changes, until ctx is cancelled. A reload failure keeps the previous
// state and is logged, not fatal.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range []string{r.workflowDir, r.paramDir} {
		if err := watcher.Add(dir); err != nil {
			r.logger.Warn("cannot watch directory",
				slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watch error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("reload failed, keeping previous registry",
					slog.String("error", err.Error()))
			}
		}
	}
}
