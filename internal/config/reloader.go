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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"njord/internal/telemetry/ops"
	"njord/pkg/bus"
)

// ReloadTopic carries reload signals to every service.
const ReloadTopic = "controller.reload"

// JournalFile is the append-only reload journal under the config root.
const JournalFile = "reload_journal.log"

// ReloadSignal is the payload published on ReloadTopic. Service "*" means
// every service should reload.
type ReloadSignal struct {
	Service     string `json:"service"`
	TimestampNS int64  `json:"timestamp_ns"`
}

// Reloader watches the config root and signals reloads on valid changes.
// A change that fails to parse is logged and not signalled, leaving the
// old configuration in place everywhere.
type Reloader struct {
	root    string
	watcher Watcher
	pub     bus.Bus
	logger  *zap.Logger
	opsm    *ops.Metrics

	// onReload, when set, receives the freshly parsed config before the
	// bus signal goes out.
	onReload func(*Config)

	mu       sync.Mutex
	lastHash string

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	now func() time.Time // test seam
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithReloadCallback registers a hook invoked with each successfully
// reloaded config.
func WithReloadCallback(fn func(*Config)) ReloaderOption {
	return func(r *Reloader) { r.onReload = fn }
}

// NewReloader builds a reloader over root using the given watcher.
func NewReloader(root string, watcher Watcher, pub bus.Bus, logger *zap.Logger, opsm *ops.Metrics, opts ...ReloaderOption) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		root:     root,
		watcher:  watcher,
		pub:      pub,
		logger:   logger,
		opsm:     opsm,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start records the initial hash (silently, no signal) and begins reacting
// to watcher hints.
func (r *Reloader) Start(ctx context.Context) error {
	initial, err := HashRoot(r.root)
	if err != nil {
		return fmt.Errorf("config: initial hash: %w", err)
	}
	r.mu.Lock()
	r.lastHash = initial
	r.mu.Unlock()
	r.logger.Info("config hash recorded", zap.String("hash", initial))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopChan:
				return
			case _, ok := <-r.watcher.Changes():
				if !ok {
					return
				}
				r.handleChange(ctx)
			}
		}
	}()
	return nil
}

// Stop terminates the watch loop and closes the watcher.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		_ = r.watcher.Close()
	})
	r.wg.Wait()
}

func (r *Reloader) handleChange(ctx context.Context) {
	current, err := HashRoot(r.root)
	if err != nil {
		r.logger.Warn("config hash failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	old := r.lastHash
	r.mu.Unlock()
	if current == old {
		return
	}

	cfg, err := Load(r.root)
	if err != nil {
		r.logger.Error("config change rejected, keeping old config", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.lastHash = current
	r.mu.Unlock()

	oldLabel := old
	if oldLabel == "" {
		oldLabel = "initial"
	}
	if err := r.appendJournal(oldLabel, current); err != nil {
		r.logger.Warn("reload journal append failed", zap.Error(err))
	}
	if r.onReload != nil {
		r.onReload(cfg)
	}
	r.publish(ctx, "*")
	r.logger.Info("config reloaded",
		zap.String("old_hash", oldLabel),
		zap.String("new_hash", current))
}

// ReloadService publishes a targeted reload signal without touching the
// hash state.
func (r *Reloader) ReloadService(ctx context.Context, service string) {
	r.publish(ctx, service)
}

func (r *Reloader) publish(ctx context.Context, service string) {
	if r.pub == nil {
		return
	}
	payload, err := json.Marshal(ReloadSignal{Service: service, TimestampNS: r.now().UnixNano()})
	if err != nil {
		r.logger.Error("marshal reload signal", zap.Error(err))
		return
	}
	if err := r.pub.Publish(ctx, ReloadTopic, payload); err != nil {
		r.logger.Error("publish reload signal", zap.Error(err))
		return
	}
	r.opsm.ReloadSignalled()
}

// appendJournal writes one tab-separated line; the journal is opened per
// write so concurrent writers on different processes interleave whole
// lines.
func (r *Reloader) appendJournal(oldHash, newHash string) error {
	path := filepath.Join(r.root, JournalFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\t%s\t%s\tconfig_changed\n", r.now().UnixNano(), oldHash, newHash)
	return err
}
