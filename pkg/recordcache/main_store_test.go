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

func aRecord(name string, ip string, ttl uint32) dns.RR {
	rr, err := dns.NewRR(name + " " + itoa(ttl) + " IN A " + ip)
	if err != nil {
		panic(err)
	}
	return rr
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestMainStore_InsertAndGet(t *testing.T) {
	s := NewMainStore(MainStoreOpts{})
	defer s.Close()

	now := time.Now()
	q := Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	s.Insert(q, []dns.RR{aRecord("example.com.", "1.1.1.1", 300)}, NotAuthoritative, now)

	recs, ok := s.Get(q, now)
	if !ok || len(recs) != 1 {
		t.Fatalf("got %d records ok=%v", len(recs), ok)
	}
}

func TestMainStore_AuthorityBeatsNonAuthority(t *testing.T) {
	s := NewMainStore(MainStoreOpts{})
	defer s.Close()
	now := time.Now()
	q := Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	s.Insert(q, []dns.RR{aRecord("example.com.", "1.1.1.1", 300)}, Authoritative, now)
	s.Insert(q, []dns.RR{aRecord("example.com.", "1.1.1.1", 60)}, NotAuthoritative, now)

	recs, ok := s.Get(q, now)
	if !ok || len(recs) != 1 {
		t.Fatalf("got %d records ok=%v", len(recs), ok)
	}
	if recs[0].Auth != Authoritative {
		t.Fatalf("non-authoritative record should not have overwritten authoritative one, got %v", recs[0].Auth)
	}
	if recs[0].OriginalTTL != 300 {
		t.Fatalf("TTL should remain from the authoritative insert, got %d", recs[0].OriginalTTL)
	}
}

func TestMainStore_SameAuthorityRefreshesTTL(t *testing.T) {
	s := NewMainStore(MainStoreOpts{})
	defer s.Close()
	now := time.Now()
	q := Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	s.Insert(q, []dns.RR{aRecord("example.com.", "1.1.1.1", 60)}, NotAuthoritative, now)
	later := now.Add(30 * time.Second)
	s.Insert(q, []dns.RR{aRecord("example.com.", "1.1.1.1", 90)}, NotAuthoritative, later)

	recs, ok := s.Get(q, later)
	if !ok || len(recs) != 1 {
		t.Fatalf("got %d records ok=%v", len(recs), ok)
	}
	if recs[0].OriginalTTL != 90 {
		t.Fatalf("expected refreshed TTL 90, got %d", recs[0].OriginalTTL)
	}
}

func TestMainStore_ExpiredRemoved(t *testing.T) {
	s := NewMainStore(MainStoreOpts{})
	defer s.Close()
	now := time.Now()
	q := Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	s.Insert(q, []dns.RR{aRecord("example.com.", "1.1.1.1", 1)}, NotAuthoritative, now)
	later := now.Add(5 * time.Second)
	if _, ok := s.Get(q, later); ok {
		t.Fatal("expected expired record to be absent")
	}
}

func TestMainStore_BootstrapNeverExpiresUnlessReplaced(t *testing.T) {
	s := NewMainStore(MainStoreOpts{})
	defer s.Close()
	now := time.Now()
	q := Question{Name: "a.root-servers.net.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	s.Insert(q, []dns.RR{aRecord("a.root-servers.net.", "198.41.0.4", 1)}, Bootstrap, now)
	farFuture := now.Add(365 * 24 * time.Hour)
	recs, ok := s.Get(q, farFuture)
	if !ok || len(recs) != 1 || recs[0].Auth != Bootstrap {
		t.Fatalf("expected bootstrap record to survive expiry, got %v ok=%v", recs, ok)
	}

	s.Insert(q, []dns.RR{aRecord("a.root-servers.net.", "198.41.0.4", 300)}, NotAuthoritative, now)
	recs, ok = s.Get(q, now)
	if !ok || len(recs) != 1 || recs[0].Auth != NotAuthoritative {
		t.Fatalf("expected live record to replace bootstrap, got %v ok=%v", recs, ok)
	}
}
