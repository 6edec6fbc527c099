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
)

// Facade joins a long-lived MainStore with a per-transaction Overlay
// so a resolution in progress can see both what is already durably
// cached and what it has itself just learned, without the latter
// leaking into the shared store until the caller explicitly commits it.
type Facade struct {
	main    *MainStore
	overlay *Overlay
}

// NewFacade binds main (shared, long-lived) to a fresh Overlay scoped
// to one transaction.
func NewFacade(main *MainStore, overlaySize int) *Facade {
	return &Facade{main: main, overlay: NewOverlay(overlaySize)}
}

// Lookup returns the best available records for q: the overlay is
// checked first since it reflects this transaction's own, more recent
// work, falling back to the main store.
func (f *Facade) Lookup(q Question, now time.Time) ([]CachedRecord, bool) {
	if recs, ok := f.overlay.Get(q, now); ok {
		return recs, true
	}
	return f.main.Get(q, now)
}

// InsertOverlay records rrs into this transaction's overlay only; the
// shared MainStore is untouched until Commit promotes them.
func (f *Facade) InsertOverlay(q Question, rrs []dns.RR, auth Authority, now time.Time) {
	f.overlay.Insert(q, rrs, auth, now)
}

// Commit promotes q's current overlay records into the shared
// MainStore, applying the normal authority-aware replace rule there.
func (f *Facade) Commit(q Question, now time.Time) {
	recs, ok := f.overlay.Get(q, now)
	if !ok {
		return
	}
	// Group by the authority each record actually carries: a single
	// overlay bucket can (rarely) mix authorities if a transaction
	// queried the same name against two different upstreams.
	byAuth := make(map[Authority][]dns.RR, 2)
	for _, r := range recs {
		byAuth[r.Auth] = append(byAuth[r.Auth], r.RR)
	}
	for auth, group := range byAuth {
		f.main.Insert(q, group, auth, now)
	}
}

// InsertMessage splits a full DNS response into per-Question groups by
// RR owner name, type and class, and inserts each group as an overlay
// entry, tagging a group Authoritative only if m's AA bit is set AND
// the RR's owner name is in the bailiwick of the name that was actually
// queried (equal to it or a subdomain of it) — the same bailiwick check
// dns-lib's AsyncCache.insert_message applies before trusting a
// response's AA bit, so an AA=1 reply can't launder an out-of-bailiwick
// RR (e.g. in its additional section) into the cache as authoritative.
func (f *Facade) InsertMessage(m *dns.Msg, now time.Time) {
	authoritative := m.Authoritative && len(m.Question) > 0
	qname := ""
	if authoritative {
		qname = dns.Fqdn(m.Question[0].Name)
	}

	groups := make(map[Question][]dns.RR)
	order := make([]Question, 0, 4)
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			q := Question{
				Name:   rr.Header().Name,
				Qtype:  rr.Header().Rrtype,
				Qclass: rr.Header().Class,
			}
			if _, seen := groups[q]; !seen {
				order = append(order, q)
			}
			groups[q] = append(groups[q], rr)
		}
	}

	for _, q := range order {
		auth := NotAuthoritative
		if authoritative && dns.IsSubDomain(qname, dns.Fqdn(q.Name)) {
			auth = Authoritative
		}
		f.InsertOverlay(q, groups[q], auth, now)
	}
}

// CommitAll promotes every Question this transaction has touched into
// the shared MainStore. Call once the transaction is considered
// trustworthy (e.g. the top-level client call is about to return).
func (f *Facade) CommitAll(now time.Time) {
	f.overlay.c.Range(func(q Question, recs []CachedRecord, _, _ time.Time) {
		rrs := make([]dns.RR, 0, len(recs))
		byAuth := make(map[Authority][]dns.RR, 2)
		for _, r := range recs {
			rrs = append(rrs, r.RR)
			byAuth[r.Auth] = append(byAuth[r.Auth], r.RR)
		}
		for auth, group := range byAuth {
			f.main.Insert(q, group, auth, now)
		}
	})
}

// Close discards the transaction's overlay. It does not affect
// MainStore.
func (f *Facade) Close() {
	f.overlay.Discard()
}
