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

package recordcache

import (
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/mosdns-core/recur/pkg/nametree"
	"github.com/mosdns-core/recur/pkg/utils"
	"go.uber.org/zap"
)

const defaultGCInterval = time.Second * 10

// MainStoreOpts configures a MainStore.
type MainStoreOpts struct {
	// GCInterval is how often expired entries are swept out.
	// Default 10s.
	GCInterval time.Duration

	// Logger receives gc/insert diagnostics. A nil Logger disables
	// logging.
	Logger *zap.Logger
}

func (o *MainStoreOpts) init() {
	utils.SetDefaultNum(&o.GCInterval, defaultGCInterval)
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// MainStore is the long-lived, shared record cache: inserts apply the
// authority-aware replacement rule (§4.D) and a background sweep
// removes expired entries.
type MainStore struct {
	opts MainStoreOpts
	tree *nametree.Tree[bucket]
	once sync.Once
	done chan struct{}
}

// NewMainStore builds a MainStore and starts its GC loop.
func NewMainStore(opts MainStoreOpts) *MainStore {
	opts.init()
	s := &MainStore{
		opts: opts,
		tree: nametree.New[bucket](),
		done: make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

// Insert folds each record in rrs into the store as of now, tagging
// every record with auth.
func (s *MainStore) Insert(q Question, rrs []dns.RR, auth Authority, now time.Time) {
	s.insert(q, rrs, auth, now)
}

func (s *MainStore) insert(q Question, rrs []dns.RR, auth Authority, now time.Time) {
	if len(rrs) == 0 {
		return
	}
	key := bucketKey(q.Qtype, q.Qclass)
	node := s.tree.GetOrCreateNode(q.Name)
	node.Update(func(old bucket, has bool) (bucket, bool) {
		if old == nil {
			old = make(bucket)
		}
		b := old[key]
		for _, rr := range rrs {
			b = insertRecord(b, CachedRecord{
				RR:            rr,
				Auth:          auth,
				InsertionTime: now,
				OriginalTTL:   rr.Header().Ttl,
			}, now)
		}
		old[key] = b
		return old, true
	})
}

// Get returns every cached record for q that is not expired as of now.
// If every record in the bucket is expired but a Bootstrap record is
// present, the Bootstrap records are returned as a last resort.
func (s *MainStore) Get(q Question, now time.Time) ([]CachedRecord, bool) {
	val, ok := s.tree.Get(q.Name)
	if !ok {
		return nil, false
	}
	b := val[bucketKey(q.Qtype, q.Qclass)]
	if len(b) == 0 {
		return nil, false
	}

	fresh := make([]CachedRecord, 0, len(b))
	var bootstrap []CachedRecord
	for _, r := range b {
		if r.Auth == Bootstrap {
			bootstrap = append(bootstrap, r)
			continue
		}
		if !r.IsExpired(now) {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) > 0 {
		return fresh, true
	}
	if len(bootstrap) > 0 {
		return bootstrap, true
	}
	return nil, false
}

// Names returns every cached name that still has at least one
// non-expired record as of now, for diagnostics (e.g. a driver's
// "dump the cache" flag).
func (s *MainStore) Names(now time.Time) []string {
	var names []string
	s.tree.WalkNamed(func(name string, n *nametree.Node[bucket]) {
		val, has := n.Get()
		if !has {
			return
		}
		for _, recs := range val {
			for _, r := range recs {
				if r.Auth == Bootstrap || !r.IsExpired(now) {
					names = append(names, name)
					return
				}
			}
		}
	})
	return names
}

// Close stops the background sweep. It is safe to call multiple times.
func (s *MainStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MainStore) gcLoop() {
	t := time.NewTicker(s.opts.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			s.gc(now)
		}
	}
}

func (s *MainStore) gc(now time.Time) {
	removed := 0
	s.tree.Walk(func(n *nametree.Node[bucket]) {
		n.Update(func(old bucket, has bool) (bucket, bool) {
			if !has {
				return old, false
			}
			for key, recs := range old {
				kept := recs[:0]
				for _, r := range recs {
					if r.Auth == Bootstrap || !r.IsExpired(now) {
						kept = append(kept, r)
					} else {
						removed++
					}
				}
				if len(kept) == 0 {
					delete(old, key)
				} else {
					old[key] = kept
				}
			}
			return old, true
		})
	})
	if removed > 0 {
		s.opts.Logger.Debug("main store gc", zap.Int("removed", removed))
	}
}
