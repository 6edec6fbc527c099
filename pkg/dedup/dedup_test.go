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

package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestDeduper_ConcurrentCallersShareOneSend(t *testing.T) {
	d := New()
	key := Key{Peer: "1.1.1.1:53", Qname: "example.com.", Qtype: dns.TypeA}
	var sends int32

	send := func(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
		atomic.AddInt32(&sends, 1)
		time.Sleep(20 * time.Millisecond)
		r := new(dns.Msg)
		r.SetReply(q)
		return r, nil
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := new(dns.Msg)
			q.SetQuestion("example.com.", dns.TypeA)
			_, err := d.Query(context.Background(), key, q, send)
			errs[i] = err
		}()
	}
	wg.Wait()

	if sends != 1 {
		t.Fatalf("expected exactly 1 upstream send, got %d", sends)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d got error: %v", i, err)
		}
	}
	if d.InFlight() != 0 {
		t.Fatalf("expected no in-flight entries left, got %d", d.InFlight())
	}
}

func TestDeduper_LateJoinerNeverSendsTwice(t *testing.T) {
	d := New()
	key := Key{Peer: "1.1.1.1:53", Qname: "example.com.", Qtype: dns.TypeA}
	var sends int32
	inSend := make(chan struct{})
	joined := make(chan struct{})
	d.OnJoin = func(Key) { close(joined) }

	send := func(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
		atomic.AddInt32(&sends, 1)
		close(inSend)
		<-joined // hold the send open until the second caller has joined.
		r := new(dns.Msg)
		r.SetReply(q)
		return r, nil
	}

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	done := make(chan struct{})
	go func() {
		_, _ = d.Query(context.Background(), key, q, send)
		close(done)
	}()
	<-inSend // send() has been entered and stays open until a caller joins.

	// A caller arriving while the first one's send is in flight must
	// join the in-flight entry rather than issue a second send.
	_, err := d.Query(context.Background(), key, q, send)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-done

	if got := atomic.LoadInt32(&sends); got != 1 {
		t.Fatalf("expected exactly 1 upstream send, got %d", got)
	}
}

func TestDeduper_DistinctKeysDoNotShare(t *testing.T) {
	d := New()
	var sends int32
	send := func(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
		atomic.AddInt32(&sends, 1)
		r := new(dns.Msg)
		r.SetReply(q)
		return r, nil
	}

	q1 := new(dns.Msg)
	q1.SetQuestion("a.example.", dns.TypeA)
	q2 := new(dns.Msg)
	q2.SetQuestion("b.example.", dns.TypeA)

	_, _ = d.Query(context.Background(), Key{Peer: "p", Qname: "a.example.", Qtype: dns.TypeA}, q1, send)
	_, _ = d.Query(context.Background(), Key{Peer: "p", Qname: "b.example.", Qtype: dns.TypeA}, q2, send)

	if sends != 2 {
		t.Fatalf("expected 2 sends for 2 distinct keys, got %d", sends)
	}
}

func TestDeduper_ContextCanceledWhileWaiting(t *testing.T) {
	d := New()
	key := Key{Peer: "p", Qname: "slow.example.", Qtype: dns.TypeA}
	release := make(chan struct{})
	send := func(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
		<-release
		r := new(dns.Msg)
		r.SetReply(q)
		return r, nil
	}

	go func() {
		q := new(dns.Msg)
		q.SetQuestion("slow.example.", dns.TypeA)
		_, _ = d.Query(context.Background(), key, q, send)
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := new(dns.Msg)
	q.SetQuestion("slow.example.", dns.TypeA)
	_, err := d.Query(ctx, key, q, send)
	if err == nil {
		t.Fatal("expected an error from a canceled waiter")
	}
	close(release)
}
