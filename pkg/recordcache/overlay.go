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
	"time"

	"github.com/miekg/dns"
	"github.com/mosdns-core/recur/pkg/cache"
)

// Sum implements concurrent_map.Hashable so Question can key the
// teacher-derived sharded cache that backs Overlay.
func (q Question) Sum() uint64 {
	h := uint64(14695981039346656037)
	const prime = 1099511628211
	for i := 0; i < len(q.Name); i++ {
		h ^= uint64(q.Name[i])
		h *= prime
	}
	h ^= uint64(q.Qtype)
	h *= prime
	h ^= uint64(q.Qclass)
	h *= prime
	return h
}

// Overlay is a short-lived, append-only cache scoped to a single
// in-flight transaction (one recursive resolution). Unlike MainStore it
// applies no authority merge rule: whatever was learned during this
// transaction is trusted for the rest of that transaction only, and the
// whole overlay is discarded once the transaction ends.
//
// It is built on the teacher's generic sharded cache (pkg/cache),
// repurposed here with Question as its key instead of a plugin cache
// key, since an overlay's access pattern (short-lived, write-once,
// many reads, bulk discard) matches that cache's shape exactly.
type Overlay struct {
	c *cache.Cache[Question, []CachedRecord]
}

// NewOverlay returns an empty Overlay. size bounds how many distinct
// Questions it will track; once a shard of the underlying cache is
// full, arbitrary entries of that shard are evicted to make room.
func NewOverlay(size int) *Overlay {
	return &Overlay{c: cache.New[Question, []CachedRecord](cache.Opts{Size: size})}
}

// Insert appends rrs (tagged auth) into the overlay's bucket for q.
// Unlike MainStore.Insert this applies no authority-replacement rule and
// no TTL expiry check: a record is appended once, the first time it's
// seen, and kept for the rest of the transaction regardless of what
// authority a later insert for the same RR carries. Only exact
// duplicates (e.g. the same RR appearing once in Answer and once in a
// CNAME chain hop) are folded away. Get, however, leaves out records
// whose TTL has elapsed (see CachedRecord.IsExpired).
func (o *Overlay) Insert(q Question, rrs []dns.RR, auth Authority, now time.Time) {
	if len(rrs) == 0 {
		return
	}
	existing, _, _, _ := o.c.Get(q)
	for _, rr := range rrs {
		if containsRData(existing, rr) {
			continue
		}
		existing = append(existing, CachedRecord{
			RR:            rr,
			Auth:          auth,
			InsertionTime: now,
			OriginalTTL:   rr.Header().Ttl,
		})
	}
	// An overlay entry lives exactly as long as its transaction; give
	// it an expiration far in the future and rely on Close/Discard to
	// reclaim it instead of TTL-driven GC.
	o.c.Store(q, existing, now, now.Add(24*time.Hour))
}

// containsRData reports whether recs already holds an entry with the
// same owner/type/class/rdata as rr, regardless of that entry's
// authority or remaining TTL.
func containsRData(recs []CachedRecord, rr dns.RR) bool {
	for _, r := range recs {
		if sameRData(r.RR, rr) {
			return true
		}
	}
	return false
}

// Get returns q's overlay records that are not expired as of now, if
// any were inserted this transaction.
func (o *Overlay) Get(q Question, now time.Time) ([]CachedRecord, bool) {
	recs, _, _, ok := o.c.Get(q)
	if !ok {
		return nil, false
	}
	fresh := recs[:0:0]
	for _, r := range recs {
		if !r.IsExpired(now) {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return nil, false
	}
	return fresh, true
}

// Discard releases every entry the overlay is holding. Call this once
// the owning transaction completes.
func (o *Overlay) Discard() {
	o.c.Flush()
	_ = o.c.Close()
}
