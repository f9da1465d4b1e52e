// Copyright The Accel Resource Manager Authors. All Rights Reserved.
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

package catalog

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher notifies about changes to a catalog file.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	changes chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Watch starts watching the given catalog file. The containing directory
// is watched so that files replaced by rename are noticed too.
func Watch(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: invalid path %q", path)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "catalog: failed to create watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "catalog: failed to watch %s", filepath.Dir(abs))
	}

	w := &Watcher{
		path:    abs,
		fsw:     fsw,
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Changes returns the channel signalled when the file may have changed.
// Consecutive changes not yet consumed are coalesced.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.stop)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename

	for {
		select {
		case <-w.stop:
			return
		case e, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path || e.Op&interesting == 0 {
				continue
			}
			log.Debug("catalog file event %s", e)
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error("catalog watcher error: %v", err)
		}
	}
}
