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

// Package dedup ensures at most one upstream query is ever in flight
// per (peer, Question) pair: concurrent callers asking the same
// question of the same peer all subscribe to the one query's result
// instead of each sending their own.
package dedup

import (
	"context"
	"sync"

	"github.com/miekg/dns"
	"github.com/mosdns-core/recur/pkg/cell"
)

// Key identifies one deduplicated query.
type Key struct {
	Peer  string
	Qname string
	Qtype uint16
}

// Send performs the actual upstream exchange for a query that won the
// dedup race (i.e. is the first caller for its Key). It is supplied by
// the caller so this package stays transport-agnostic.
type Send func(ctx context.Context, q *dns.Msg) (*dns.Msg, error)

// Deduper coalesces concurrent identical queries. The zero value is
// not usable; use New.
type Deduper struct {
	mu     sync.Mutex
	active map[Key]*cell.Cell[result]

	// OnJoin, if set, is called whenever a caller joins an
	// already-in-flight query instead of sending its own. Intended for
	// a metrics counter; never called for the first caller of a key.
	OnJoin func(key Key)
}

type result struct {
	msg *dns.Msg
	err error
}

// New returns an empty Deduper.
func New() *Deduper {
	return &Deduper{active: make(map[Key]*cell.Cell[result])}
}

// Query runs send for key's first caller and fans its result out to
// every other caller that arrives for the same key while it's in
// flight. Late subscribers — callers that show up after the in-flight
// query already finished but before the entry is forgotten — still
// observe the result via the cell's closed-channel broadcast.
func (d *Deduper) Query(ctx context.Context, key Key, q *dns.Msg, send Send) (*dns.Msg, error) {
	d.mu.Lock()
	c, inFlight := d.active[key]
	if !inFlight {
		c = cell.New[result]()
		d.active[key] = c
	}
	d.mu.Unlock()

	if inFlight {
		if d.OnJoin != nil {
			d.OnJoin(key)
		}
		v, ok, fired := c.Wait(ctx.Done())
		if !fired {
			return nil, ctx.Err()
		}
		if !ok {
			return nil, context.Canceled
		}
		return v.msg, v.err
	}

	msg, err := send(ctx, q)

	// Broadcast the result to the cell before forgetting the key: a
	// concurrent caller that locks in between must still find an
	// active entry to join, or it would start a second upstream send
	// for the same pair.
	c.Set(result{msg: msg, err: err})

	d.mu.Lock()
	delete(d.active, key)
	d.mu.Unlock()

	return msg, err
}

// InFlight reports how many distinct queries are currently being
// deduplicated. Intended for metrics/diagnostics.
func (d *Deduper) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
