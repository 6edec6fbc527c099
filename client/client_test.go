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

package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/mosdns-core/recur/pkg/dedup"
	"github.com/mosdns-core/recur/pkg/dnsutils"
	"github.com/mosdns-core/recur/pkg/recordcache"
	"github.com/mosdns-core/recur/pkg/upstream/socket"
)

// newFakeManager wires every dialed peer to an in-memory UDP responder
// built from answer, counting how many queries actually reached the
// wire.
func newFakeManager(t *testing.T, answer func(q *dns.Msg) *dns.Msg) (*socket.Manager, *int32) {
	t.Helper()
	var sends int32
	mgr := socket.NewManager(func(addr string) socket.Opts {
		return socket.Opts{
			DialUDP: func(ctx context.Context, addr string) (net.Conn, error) {
				client, server := net.Pipe()
				go func() {
					for {
						q, _, err := dnsutils.ReadMsgFromUDP(server, dns.MaxMsgSize)
						if err != nil {
							return
						}
						atomic.AddInt32(&sends, 1)
						r := answer(q)
						r.Id = q.Id
						if _, err := dnsutils.WriteMsgToUDP(server, r); err != nil {
							return
						}
					}
				}()
				return client, nil
			},
			DialTCP: func(ctx context.Context, addr string) (net.Conn, error) { return nil, context.Canceled },
		}
	})
	return mgr, &sends
}

func aRecord(t *testing.T, name, ip string, ttl uint32) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(name + " " + itoa(ttl) + " IN A " + ip)
	if err != nil {
		t.Fatalf("build RR: %v", err)
	}
	return rr
}

func itoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

func TestClient_CacheMissResolvesAndCaches(t *testing.T) {
	main := recordcache.NewMainStore(recordcache.MainStoreOpts{})
	defer main.Close()
	mgr, sends := newFakeManager(t, func(q *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(q)
		r.Answer = []dns.RR{aRecord(t, "example.com.", "192.0.2.1", 300)}
		return r
	})
	defer mgr.CloseAll()

	c := New(Opts{
		Main:     main,
		Sockets:  mgr,
		Dedup:    dedup.New(),
		Upstream: func(dns.Question) string { return "9.9.9.9:53" },
	})

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.Query(ctx, q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok || a.A.String() != "192.0.2.1" {
		t.Fatalf("expected 192.0.2.1, got %v", resp.Answer[0])
	}
	if *sends != 1 {
		t.Fatalf("expected 1 upstream send, got %d", *sends)
	}

	recs, ok := main.Get(recordcache.QuestionFromDNS(q), time.Now())
	if !ok || len(recs) != 1 || recs[0].Auth != recordcache.NotAuthoritative {
		t.Fatalf("expected one NotAuthoritative entry cached, got %v ok=%v", recs, ok)
	}
}

func TestClient_ConcurrentCallersShareOneUpstreamQuery(t *testing.T) {
	main := recordcache.NewMainStore(recordcache.MainStoreOpts{})
	defer main.Close()
	release := make(chan struct{})
	mgr, sends := newFakeManager(t, func(q *dns.Msg) *dns.Msg {
		<-release
		r := new(dns.Msg)
		r.SetReply(q)
		r.Answer = []dns.RR{aRecord(t, "example.com.", "192.0.2.1", 300)}
		return r
	})
	defer mgr.CloseAll()

	c := New(Opts{
		Main:     main,
		Sockets:  mgr,
		Dedup:    dedup.New(),
		Upstream: func(dns.Question) string { return "9.9.9.9:53" },
	})

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	const n = 5
	var wg sync.WaitGroup
	results := make([]*dns.Msg, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			results[i], errs[i] = c.Query(ctx, q)
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if *sends != 1 {
		t.Fatalf("expected exactly 1 upstream send for %d concurrent callers, got %d", n, *sends)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if len(results[i].Answer) != 1 {
			t.Fatalf("caller %d: expected 1 answer, got %d", i, len(results[i].Answer))
		}
	}
}

func TestClient_AuthoritativeSurvivesLaterNonAuthoritative(t *testing.T) {
	main := recordcache.NewMainStore(recordcache.MainStoreOpts{})
	defer main.Close()

	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Second)
	q := recordcache.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	main.Insert(q, []dns.RR{aRecord(t, "example.com.", "192.0.2.1", 60)}, recordcache.Authoritative, t0)
	main.Insert(q, []dns.RR{aRecord(t, "example.com.", "192.0.2.1", 600)}, recordcache.NotAuthoritative, t1)

	recs, ok := main.Get(q, t1)
	if !ok || len(recs) != 1 {
		t.Fatalf("expected exactly one cached record, got %v ok=%v", recs, ok)
	}
	if recs[0].Auth != recordcache.Authoritative || recs[0].OriginalTTL != 60 || !recs[0].InsertionTime.Equal(t0) {
		t.Fatalf("expected authoritative ttl=60 insertion_time=t0 to survive, got %+v", recs[0])
	}
}

func TestClient_ExpiredNonAuthoritativeNotReturned(t *testing.T) {
	main := recordcache.NewMainStore(recordcache.MainStoreOpts{})
	defer main.Close()

	t0 := time.Unix(0, 0)
	t2 := t0.Add(2 * time.Second)
	q := recordcache.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	main.Insert(q, []dns.RR{aRecord(t, "example.com.", "192.0.2.1", 1)}, recordcache.NotAuthoritative, t0)

	recs, ok := main.Get(q, t2)
	if ok || len(recs) != 0 {
		t.Fatalf("expected no records returned after expiry, got %v ok=%v", recs, ok)
	}
}
