/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/miekg/dns"
	"github.com/mosdns-core/recur/pkg/recordcache"
	"go.uber.org/zap"
)

// rootHintsLoader loads a root-hints zone file into a MainStore as
// Bootstrap-priority records, and, if watch is enabled, reloads it
// whenever the file changes.
type rootHintsLoader struct {
	path   string
	main   *recordcache.MainStore
	logger *zap.Logger
}

func newRootHintsLoader(path string, main *recordcache.MainStore, logger *zap.Logger) *rootHintsLoader {
	return &rootHintsLoader{path: path, main: main, logger: logger}
}

func (l *rootHintsLoader) loadOnce() error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open root hints file: %w", err)
	}
	defer f.Close()

	now := time.Now()
	zp := dns.NewZoneParser(f, "", l.path)
	groups := make(map[recordcache.Question][]dns.RR)
	var order []recordcache.Question
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		q := recordcache.Question{
			Name:   rr.Header().Name,
			Qtype:  rr.Header().Rrtype,
			Qclass: rr.Header().Class,
		}
		if _, seen := groups[q]; !seen {
			order = append(order, q)
		}
		groups[q] = append(groups[q], rr)
	}
	if err := zp.Err(); err != nil {
		return fmt.Errorf("parse root hints file: %w", err)
	}

	for _, q := range order {
		l.main.Insert(q, groups[q], recordcache.Bootstrap, now)
	}
	l.logger.Info("root hints loaded", zap.String("file", l.path), zap.Int("names", len(order)))
	return nil
}

// watch starts a goroutine that reloads the root hints file whenever
// it changes, until done is closed.
func (l *rootHintsLoader) watch(done <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start root hints watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return fmt.Errorf("watch root hints file: %w", err)
	}

	go func() {
		defer w.Close()
		var delay *time.Timer
		for {
			select {
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if delay != nil {
					delay.Stop()
				}
				delay = time.AfterFunc(time.Second, func() {
					l.logger.Info("reloading root hints", zap.String("file", l.path), zap.Stringer("event", e.Op))
					if err := l.loadOnce(); err != nil {
						l.logger.Error("failed to reload root hints", zap.Error(err))
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Error("root hints watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()
	return nil
}
