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

// Package recordcache implements the layered record cache: a main
// store with TTL expiry and authority-aware replacement, a per-query
// transaction overlay, and a façade that joins the two for reads and
// drives inserts from full DNS responses.
package recordcache

import (
	"time"

	"github.com/miekg/dns"
)

// Question identifies a cached bucket of records: a name, query type
// and query class, mirroring dns.Question but comparable as a map key.
type Question struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

func QuestionFromDNS(q dns.Question) Question {
	return Question{Name: q.Name, Qtype: q.Qtype, Qclass: q.Qclass}
}

// Authority describes how trustworthy a cached record's origin is.
// When two records describe the same RR, Authority.priority decides
// which wins, not the numeric value: Bootstrap ranks below
// NotAuthoritative.
type Authority int

const (
	// NotAuthoritative is the default: a record learned from a
	// recursive or iterative lookup that did not set the AA bit.
	NotAuthoritative Authority = iota
	// Bootstrap marks a record loaded from a root-hints file. It is
	// the lowest priority and, per the glossary, retained past its
	// nominal expiry when nothing better has replaced it.
	Bootstrap
	// Authoritative marks a record learned from a response with the
	// AA bit set.
	Authoritative
)

// priority ranks authority so higher always wins a replace decision,
// except that Bootstrap is deliberately ranked below NotAuthoritative:
// any live answer should displace a root hint, but a root hint should
// never displace an in-flight authoritative or non-authoritative one.
func (a Authority) priority() int {
	switch a {
	case Authoritative:
		return 2
	case NotAuthoritative:
		return 1
	default: // Bootstrap
		return 0
	}
}

// CachedRecord is one resource record plus the cache bookkeeping
// needed to expire and replace it correctly.
type CachedRecord struct {
	RR            dns.RR
	Auth          Authority
	InsertionTime time.Time
	OriginalTTL   uint32
}

// ExpirationTime returns when this record stops being usable.
func (r CachedRecord) ExpirationTime() time.Time {
	return r.InsertionTime.Add(time.Duration(r.OriginalTTL) * time.Second)
}

// IsExpired reports whether r is past its TTL as of now. Bootstrap
// records are never reported expired by this check: callers that care
// about freshness should prefer a non-bootstrap record when one is
// present and fall back to an expired-but-present bootstrap record
// otherwise (see Facade.Lookup).
func (r CachedRecord) IsExpired(now time.Time) bool {
	if r.Auth == Bootstrap {
		return false
	}
	return now.After(r.ExpirationTime())
}

// RemainingTTL returns the TTL to present to a client as of now,
// floored at zero once expired (Bootstrap entries return their
// original TTL forever).
func (r CachedRecord) RemainingTTL(now time.Time) uint32 {
	if r.Auth == Bootstrap {
		return r.OriginalTTL
	}
	remaining := r.ExpirationTime().Sub(now)
	if remaining <= 0 {
		return 0
	}
	return uint32(remaining / time.Second)
}

func sameRData(a, b dns.RR) bool {
	ha, hb := a.Header(), b.Header()
	if ha.Rrtype != hb.Rrtype || ha.Class != hb.Class {
		return false
	}
	return dns.IsDuplicate(a, b)
}

// bucket is the set of cached records sharing one Question, stored at
// a single nametree node.
type bucket map[uint32][]CachedRecord

func bucketKey(qtype, qclass uint16) uint32 {
	return uint32(qtype)<<16 | uint32(qclass)
}

// insertRecord folds rec into an existing bucket slice following the
// three-step algorithm: find a matching RR and apply the authority
// replacement rule, drop every now-expired entry (walking in reverse
// so removal doesn't skip an entry), then append rec only if nothing
// matched it.
func insertRecord(existing []CachedRecord, rec CachedRecord, now time.Time) []CachedRecord {
	matched := false
	for i := range existing {
		if !sameRData(existing[i].RR, rec.RR) {
			continue
		}
		matched = true
		switch {
		case rec.Auth.priority() > existing[i].Auth.priority():
			existing[i] = rec
		case rec.Auth.priority() == existing[i].Auth.priority():
			existing[i].RR = rec.RR
			existing[i].InsertionTime = rec.InsertionTime
			existing[i].OriginalTTL = rec.OriginalTTL
		default:
			// A lower-priority record never overwrites a
			// higher-priority one already present.
		}
		break
	}

	for i := len(existing) - 1; i >= 0; i-- {
		if existing[i].IsExpired(now) {
			existing = append(existing[:i], existing[i+1:]...)
		}
	}

	if !matched {
		existing = append(existing, rec)
	}
	return existing
}
