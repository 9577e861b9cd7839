// Copyright 2025 The Njord Authors. All Rights Reserved.
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

package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher signals "something under the config root may have changed". The
// reloader owns hash comparison and dedup; a watcher may over-report freely.
type Watcher interface {
	// Changes delivers change hints until ctx is cancelled or Close is
	// called, after which the channel is closed.
	Changes() <-chan struct{}
	Close() error
}

// HashRoot computes the change-detection hash: SHA-256 over the tracked
// files' bytes concatenated in sorted filename order. Missing files
// contribute nothing, so a config root with no secrets file still hashes.
func HashRoot(root string) (string, error) {
	h := sha256.New()
	for _, name := range []string{BaseFile, SecretsFile} { // sorted: base.yaml < secrets.enc
		raw, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NotifyWatcher reacts to kernel filesystem notifications on the config
// root, filtered to the tracked filenames.
type NotifyWatcher struct {
	fsw    *fsnotify.Watcher
	ch     chan struct{}
	logger *zap.Logger
	done   chan struct{}
}

// NewNotifyWatcher starts watching root.
func NewNotifyWatcher(root string, logger *zap.Logger) (*NotifyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &NotifyWatcher{fsw: fsw, ch: make(chan struct{}, 1), logger: logger, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *NotifyWatcher) loop() {
	defer close(w.ch)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != BaseFile && name != SecretsFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.ch <- struct{}{}:
			default: // a hint is already pending
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (w *NotifyWatcher) Changes() <-chan struct{} { return w.ch }

func (w *NotifyWatcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

// PollWatcher is the fallback for filesystems without notification support:
// it rehashes the root on a fixed interval and hints when the hash moves.
type PollWatcher struct {
	root     string
	interval time.Duration
	logger   *zap.Logger
	ch       chan struct{}
	cancel   context.CancelFunc
}

// NewPollWatcher starts polling root every interval.
func NewPollWatcher(root string, interval time.Duration, logger *zap.Logger) *PollWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &PollWatcher{root: root, interval: interval, logger: logger, ch: make(chan struct{}, 1), cancel: cancel}
	go w.loop(ctx)
	return w
}

func (w *PollWatcher) loop(ctx context.Context) {
	defer close(w.ch)
	last, err := HashRoot(w.root)
	if err != nil {
		w.logger.Warn("initial config hash failed", zap.Error(err))
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := HashRoot(w.root)
			if err != nil {
				w.logger.Warn("config hash failed", zap.Error(err))
				continue
			}
			if current == last {
				continue
			}
			last = current
			select {
			case w.ch <- struct{}{}:
			default:
			}
		}
	}
}

func (w *PollWatcher) Changes() <-chan struct{} { return w.ch }

func (w *PollWatcher) Close() error {
	w.cancel()
	return nil
}
