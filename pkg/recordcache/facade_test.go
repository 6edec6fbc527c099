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
	"testing"
	"time"

	"github.com/miekg/dns"
)

func buildResponse(t *testing.T, authoritative bool) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Authoritative = authoritative
	m.Answer = []dns.RR{aRecord("example.com.", "1.2.3.4", 300)}
	return m
}

func TestFacade_LookupPrefersOverlay(t *testing.T) {
	main := NewMainStore(MainStoreOpts{})
	defer main.Close()
	f := NewFacade(main, 64)
	defer f.Close()

	now := time.Now()
	q := Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	main.Insert(q, []dns.RR{aRecord("example.com.", "9.9.9.9", 300)}, NotAuthoritative, now)
	f.InsertOverlay(q, []dns.RR{aRecord("example.com.", "1.1.1.1", 300)}, NotAuthoritative, now)

	recs, ok := f.Lookup(q, now)
	if !ok || len(recs) != 1 {
		t.Fatalf("got %d records ok=%v", len(recs), ok)
	}
	if a, isA := recs[0].RR.(*dns.A); !isA || a.A.String() != "1.1.1.1" {
		t.Fatalf("expected overlay record to win, got %v", recs[0].RR)
	}
}

func TestFacade_InsertMessageThenCommit(t *testing.T) {
	main := NewMainStore(MainStoreOpts{})
	defer main.Close()
	f := NewFacade(main, 64)
	defer f.Close()

	now := time.Now()
	f.InsertMessage(buildResponse(t, true), now)

	q := Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	if _, ok := main.Get(q, now); ok {
		t.Fatal("expected main store untouched before Commit")
	}

	f.Commit(q, now)
	recs, ok := main.Get(q, now)
	if !ok || len(recs) != 1 || recs[0].Auth != Authoritative {
		t.Fatalf("expected committed authoritative record, got %v ok=%v", recs, ok)
	}
}

func TestFacade_InsertMessageRejectsOutOfBailiwickAuthority(t *testing.T) {
	main := NewMainStore(MainStoreOpts{})
	defer main.Close()
	f := NewFacade(main, 64)
	defer f.Close()

	now := time.Now()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Authoritative = true
	m.Extra = []dns.RR{aRecord("evil.example.net.", "6.6.6.6", 300)}
	f.InsertMessage(m, now)

	evilQ := Question{Name: "evil.example.net.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	f.Commit(evilQ, now)

	recs, ok := main.Get(evilQ, now)
	if !ok || len(recs) != 1 {
		t.Fatalf("expected the out-of-bailiwick record to still be cached, got %v ok=%v", recs, ok)
	}
	if recs[0].Auth != NotAuthoritative {
		t.Fatalf("expected an AA=1 reply's out-of-bailiwick additional record to be tagged NotAuthoritative, got %v", recs[0].Auth)
	}
}

func TestFacade_CommitAll(t *testing.T) {
	main := NewMainStore(MainStoreOpts{})
	defer main.Close()
	f := NewFacade(main, 64)
	defer f.Close()

	now := time.Now()
	f.InsertMessage(buildResponse(t, false), now)
	f.CommitAll(now)

	q := Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	if _, ok := main.Get(q, now); !ok {
		t.Fatal("expected CommitAll to promote the overlay entry")
	}
}
