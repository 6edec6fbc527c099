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

// Package client binds the record cache, query deduper and peer
// sockets into the single entry point a driver calls to resolve one
// question.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/mosdns-core/recur/pkg/dedup"
	"github.com/mosdns-core/recur/pkg/metrics"
	"github.com/mosdns-core/recur/pkg/recordcache"
	"github.com/mosdns-core/recur/pkg/recordcache/redisstore"
	"github.com/mosdns-core/recur/pkg/upstream/socket"
	"go.uber.org/zap"
)

// UpstreamSelector picks which peer address a question should be sent
// to. Qname minimization and delegation walking are the driver's
// concern; the selector only returns one peer per call.
type UpstreamSelector func(q dns.Question) string

// Opts configures a Client.
type Opts struct {
	Main     *recordcache.MainStore
	Sockets  *socket.Manager
	Dedup    *dedup.Deduper
	Upstream UpstreamSelector

	// Persist, if set, backs MainStore with a durable store consulted
	// on a cache miss (before sending upstream) and updated whenever a
	// resolution commits new records, so restarts don't cold-start the
	// cache. The in-memory MainStore stays authoritative while running.
	Persist *redisstore.Store

	// OverlaySize bounds each transaction's overlay. Default 64.
	OverlaySize int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (o *Opts) init() {
	if o.OverlaySize <= 0 {
		o.OverlaySize = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Client is the façade a driver calls to resolve one question at a
// time, joining the main cache, a per-query overlay, the deduper and
// the socket layer the way §4.K describes.
type Client struct {
	opts Opts
}

// New builds a Client. opts.Main, opts.Sockets, opts.Dedup and
// opts.Upstream are required.
func New(opts Opts) *Client {
	opts.init()
	return &Client{opts: opts}
}

// Query resolves q: a cache hit answers directly from the record
// cache; a miss sends (at most) one deduplicated upstream query and
// commits whatever it learns back into the cache before returning.
func (c *Client) Query(ctx context.Context, q dns.Question) (*dns.Msg, error) {
	now := time.Now()
	rq := recordcache.QuestionFromDNS(q)

	facade := recordcache.NewFacade(c.opts.Main, c.opts.OverlaySize)
	defer facade.Close()

	if recs, ok := facade.Lookup(rq, now); ok {
		if c.opts.Metrics != nil {
			c.opts.Metrics.CacheHit.Inc()
		}
		return buildResponse(q, recs, now), nil
	}

	if c.opts.Persist != nil {
		if recs, ok := c.opts.Persist.Load(rq); ok {
			if fresh := freshOnly(recs, now); len(fresh) > 0 {
				byAuth := make(map[recordcache.Authority][]dns.RR, 2)
				for _, r := range fresh {
					byAuth[r.Auth] = append(byAuth[r.Auth], r.RR)
				}
				for auth, group := range byAuth {
					c.opts.Main.Insert(rq, group, auth, now)
				}
				if c.opts.Metrics != nil {
					c.opts.Metrics.CacheHit.Inc()
				}
				return buildResponse(q, fresh, now), nil
			}
		}
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.CacheMiss.Inc()
	}

	peer := c.opts.Upstream(q)
	if peer == "" {
		return nil, fmt.Errorf("client: no upstream selected for %s %s", q.Name, dns.TypeToString[q.Qtype])
	}

	query := new(dns.Msg)
	query.SetQuestion(q.Name, q.Qtype)
	query.Question[0].Qclass = q.Qclass
	query.RecursionDesired = true

	key := dedup.Key{Peer: peer, Qname: q.Name, Qtype: q.Qtype}
	send := func(ctx context.Context, qm *dns.Msg) (*dns.Msg, error) {
		return c.opts.Sockets.Get(peer).Exchange(ctx, qm, socket.Both)
	}

	start := time.Now()
	resp, err := c.opts.Dedup.Query(ctx, key, query, send)
	if err != nil {
		return nil, fmt.Errorf("client: query %s %s via %s: %w", q.Name, dns.TypeToString[q.Qtype], peer, err)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.QueryLatency.Observe(float64(time.Since(start).Milliseconds()))
	}

	facade.InsertMessage(resp, now)
	facade.CommitAll(now)

	if c.opts.Persist != nil {
		if recs, ok := c.opts.Main.Get(rq, now); ok {
			c.opts.Persist.Save(rq, recs)
		}
	}
	return resp, nil
}

// freshOnly filters out everything but non-expired records, so a
// persisted-but-stale entry never answers a query as if it still had
// time left.
func freshOnly(recs []recordcache.CachedRecord, now time.Time) []recordcache.CachedRecord {
	fresh := make([]recordcache.CachedRecord, 0, len(recs))
	for _, r := range recs {
		if !r.IsExpired(now) {
			fresh = append(fresh, r)
		}
	}
	return fresh
}

// buildResponse synthesizes a response message for q from cached
// records, presenting each record's remaining TTL as of now.
func buildResponse(q dns.Question, recs []recordcache.CachedRecord, now time.Time) *dns.Msg {
	m := new(dns.Msg)
	m.Question = []dns.Question{q}
	m.Response = true
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeSuccess
	m.Answer = make([]dns.RR, 0, len(recs))
	for _, r := range recs {
		rr := dns.Copy(r.RR)
		rr.Header().Ttl = r.RemainingTTL(now)
		m.Answer = append(m.Answer, rr)
	}
	return m
}
