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

// Package socket implements one peer's mixed UDP/TCP DNS socket: a UDP
// endpoint that is promoted to a lazily-dialed TCP connection whenever
// a response comes back truncated, both sharing one qid-keyed
// in-flight table the way the teacher's transport.dnsConn demuxes a
// single stream connection.
package socket

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/mosdns-core/recur/pkg/cancelctx"
	"github.com/mosdns-core/recur/pkg/cell"
	"github.com/mosdns-core/recur/pkg/dnsutils"
	"github.com/mosdns-core/recur/pkg/rtt"
	"go.uber.org/zap"
)

// State is the mixed socket's coarse lifecycle, reported for
// diagnostics; Exchange never blocks on it directly (it waits on the
// udpReady/tcpReady cells instead).
type State int32

const (
	StateNotEstablished State = iota
	StateUdpReady
	StateTcpReady
	StateBothReady
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNotEstablished:
		return "not_established"
	case StateUdpReady:
		return "udp_ready"
	case StateTcpReady:
		return "tcp_ready"
	case StateBothReady:
		return "both_ready"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var (
	ErrClosed        = errors.New("socket: closed")
	ErrRetransmitted = errors.New("socket: udp retransmit ceiling reached")
)

// Opts configures a Socket.
type Opts struct {
	// DialUDP and DialTCP open the respective connections. Required.
	DialUDP func(ctx context.Context, addr string) (net.Conn, error)
	DialTCP func(ctx context.Context, addr string) (net.Conn, error)

	// UDPRetransmitCeiling bounds how many times an unanswered UDP
	// query is resent before giving up. Default 3.
	UDPRetransmitCeiling int

	// UDPRTTHeadroom multiplies the rolling average RTT to compute
	// each retransmit's wait before resending. Default 2.
	UDPRTTHeadroom int

	// DefaultUDPTimeout is used before any RTT sample exists.
	// Default 500ms.
	DefaultUDPTimeout time.Duration

	// UDPDialTimeout bounds the initial UDP dial. Default 3s.
	UDPDialTimeout time.Duration

	// TCPConnectTimeout bounds the lazy TCP dial. Default 3s.
	TCPConnectTimeout time.Duration

	// MaxOutstanding bounds how many queries may be in flight on this
	// socket at once. Default 4096.
	MaxOutstanding int

	// UDPBufferBytes bounds each UDP read. Default dns.MaxMsgSize.
	UDPBufferBytes int

	// Logger receives lifecycle diagnostics. Defaults to a no-op
	// logger.
	Logger *zap.Logger

	// OnEvent, if set, is called on connection open/close — adapted
	// from the teacher's EventObserver — so callers can feed socket
	// lifecycle into metrics.
	OnEvent func(ev Event, addr string)
}

// WireTransport is satisfied by Socket and by the pluggable
// DoQ/DoH/DNSCrypt transports (pkg/upstream/doq, doh, dnscrypt): any of
// them can serve a client.UpstreamSelector'd peer behind the same
// Exchange call. Transports that have no separate UDP/TCP legs of their
// own (DoQ, DoH, DNSCrypt) accept mode but ignore it.
type WireTransport interface {
	Exchange(ctx context.Context, q *dns.Msg, mode ExchangeMode) (*dns.Msg, error)
}

// ExchangeMode selects which of a Socket's legs Exchange is allowed to
// use for one query.
type ExchangeMode int

const (
	// Both tries UDP first and transparently promotes to TCP if the
	// reply comes back truncated. The default behavior.
	Both ExchangeMode = iota
	// UdpOnly sends only over UDP; a truncated reply is returned as-is,
	// with no TCP promotion.
	UdpOnly
	// TcpOnly sends only over the (lazily-dialed) TCP leg.
	TcpOnly
)

// Event is a socket lifecycle notification.
type Event int

const (
	EventUDPOpen Event = iota
	EventUDPClose
	EventTCPOpen
	EventTCPClose
)

func (o *Opts) init() {
	if o.UDPRetransmitCeiling <= 0 {
		o.UDPRetransmitCeiling = 3
	}
	if o.UDPRTTHeadroom <= 0 {
		o.UDPRTTHeadroom = 2
	}
	if o.DefaultUDPTimeout <= 0 {
		o.DefaultUDPTimeout = 500 * time.Millisecond
	}
	if o.UDPDialTimeout <= 0 {
		o.UDPDialTimeout = 3 * time.Second
	}
	if o.TCPConnectTimeout <= 0 {
		o.TCPConnectTimeout = 3 * time.Second
	}
	if o.MaxOutstanding <= 0 {
		o.MaxOutstanding = 4096
	}
	if o.UDPBufferBytes <= 0 {
		o.UDPBufferBytes = dns.MaxMsgSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Socket is one peer's mixed UDP/TCP connection. One Socket is meant to
// be shared by every query a Manager routes to that peer.
type Socket struct {
	addr string
	opts Opts
	tok  *cancelctx.Token
	rtt  rtt.RollingAverage

	udpReady *cell.Cell[struct{}]
	tcpReady *cell.Cell[struct{}]

	udpMu   sync.Mutex
	udpConn net.Conn
	udpErr  error

	tcpMu     sync.Mutex
	tcpConn   net.Conn
	tcpErr    error
	tcpDialed bool

	queueMu sync.RWMutex
	queue   map[uint16]chan *dns.Msg

	rng *rand.Rand
}

// New creates a Socket for addr and immediately starts dialing its UDP
// leg in the background; the TCP leg is dialed lazily, only once a
// response comes back truncated.
func New(addr string, opts Opts) *Socket {
	opts.init()
	s := &Socket{
		addr:     addr,
		opts:     opts,
		tok:      cancelctx.New(),
		udpReady: cell.New[struct{}](),
		tcpReady: cell.New[struct{}](),
		queue:    make(map[uint16]chan *dns.Msg),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.tok.Attach(s.dialUDP)
	return s
}

// State reports the socket's current coarse lifecycle state.
func (s *Socket) State() State {
	if s.tok.Canceled() {
		return StateShutdown
	}
	_, udpOK := s.udpReady.Value()
	_, tcpOK := s.tcpReady.Value()
	switch {
	case udpOK && tcpOK:
		return StateBothReady
	case tcpOK:
		return StateTcpReady
	case udpOK:
		return StateUdpReady
	default:
		return StateNotEstablished
	}
}

// Close shuts the socket down, canceling every query waiting on it.
func (s *Socket) Close() error {
	s.tok.CloseWait(ErrClosed)
	s.udpMu.Lock()
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.udpMu.Unlock()
	s.tcpMu.Lock()
	if s.tcpConn != nil {
		s.tcpConn.Close()
	}
	s.tcpMu.Unlock()
	return nil
}

func (s *Socket) dialUDP() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.UDPDialTimeout)
	defer cancel()
	c, err := s.opts.DialUDP(ctx, s.addr)
	if err != nil {
		s.udpMu.Lock()
		s.udpErr = fmt.Errorf("dial udp %s: %w", s.addr, err)
		s.udpMu.Unlock()
		s.udpReady.Close()
		return
	}

	s.udpMu.Lock()
	if s.tok.Canceled() {
		s.udpMu.Unlock()
		c.Close()
		return
	}
	s.udpConn = c
	s.udpMu.Unlock()
	s.udpReady.Set(struct{}{})
	s.emit(EventUDPOpen)

	s.tok.Attach(func() { s.readLoopUDP(c) })
}

func (s *Socket) dialTCPOnce() {
	s.tcpMu.Lock()
	if s.tcpDialed {
		s.tcpMu.Unlock()
		return
	}
	s.tcpDialed = true
	s.tcpMu.Unlock()

	s.tok.Attach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.TCPConnectTimeout)
		defer cancel()
		c, err := s.opts.DialTCP(ctx, s.addr)
		if err != nil {
			s.tcpMu.Lock()
			s.tcpErr = fmt.Errorf("dial tcp %s: %w", s.addr, err)
			s.tcpMu.Unlock()
			s.tcpReady.Close()
			return
		}

		s.tcpMu.Lock()
		if s.tok.Canceled() {
			s.tcpMu.Unlock()
			c.Close()
			return
		}
		s.tcpConn = c
		s.tcpMu.Unlock()
		s.tcpReady.Set(struct{}{})
		s.emit(EventTCPOpen)

		s.tok.Attach(func() { s.readLoopTCP(c) })
	})
}

func (s *Socket) emit(ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev, s.addr)
	}
}

func (s *Socket) readLoopUDP(c net.Conn) {
	defer s.emit(EventUDPClose)
	for {
		m, _, err := dnsutils.ReadMsgFromUDP(c, s.opts.UDPBufferBytes)
		if err != nil {
			return
		}
		s.dispatch(m)
	}
}

func (s *Socket) readLoopTCP(c net.Conn) {
	defer s.emit(EventTCPClose)
	for {
		m, _, err := dnsutils.ReadMsgFromTCP(c)
		if err != nil {
			return
		}
		s.dispatch(m)
	}
}

func (s *Socket) dispatch(m *dns.Msg) {
	s.queueMu.RLock()
	ch := s.queue[m.Id]
	s.queueMu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (s *Socket) allocQid(ch chan *dns.Msg) (uint16, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) >= s.opts.MaxOutstanding {
		return 0, fmt.Errorf("socket %s: max outstanding queries reached", s.addr)
	}
	for i := 0; i < 16; i++ {
		qid := uint16(s.rng.Intn(1 << 16))
		if _, dup := s.queue[qid]; dup {
			continue
		}
		s.queue[qid] = ch
		return qid, nil
	}
	return 0, fmt.Errorf("socket %s: could not allocate a free qid", s.addr)
}

func (s *Socket) freeQid(qid uint16) {
	s.queueMu.Lock()
	delete(s.queue, qid)
	s.queueMu.Unlock()
}

// Exchange sends q to the peer and returns its reply. mode picks the
// transport: Both tries UDP first and transparently promotes to TCP if
// the reply comes back truncated (TC=1); UdpOnly never promotes;
// TcpOnly skips UDP entirely.
func (s *Socket) Exchange(ctx context.Context, q *dns.Msg, mode ExchangeMode) (*dns.Msg, error) {
	if mode == TcpOnly {
		return s.exchangeTCP(ctx, q)
	}

	select {
	case <-s.udpReady.Ready():
	case <-s.tok.Done():
		return nil, s.tok.Cause()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if _, ok := s.udpReady.Value(); !ok {
		return nil, s.udpErr
	}

	r, err := s.exchangeUDP(ctx, q)
	if err != nil {
		return nil, err
	}
	if mode == Both && r.Truncated {
		return s.exchangeTCP(ctx, q)
	}
	return r, nil
}

func (s *Socket) exchangeUDP(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	origID := q.Id
	resChan := make(chan *dns.Msg, 1)
	qid, err := s.allocQid(resChan)
	if err != nil {
		return nil, err
	}
	defer s.freeQid(qid)

	qSend := q.Copy()
	qSend.Id = qid

	var lastErr error
	for attempt := 0; attempt <= s.opts.UDPRetransmitCeiling; attempt++ {
		s.udpMu.Lock()
		conn := s.udpConn
		s.udpMu.Unlock()
		if conn == nil {
			return nil, s.udpErr
		}

		sentAt := time.Now()
		if _, werr := dnsutils.WriteMsgToUDP(conn, qSend); werr != nil {
			return nil, werr
		}

		timeout := s.retransmitTimeout()
		select {
		case r := <-resChan:
			s.rtt.Put(uint64(time.Since(sentAt).Microseconds()))
			r.Id = origID
			return r, nil
		case <-time.After(timeout):
			lastErr = fmt.Errorf("udp exchange with %s: %w", s.addr, context.DeadlineExceeded)
			continue
		case <-s.tok.Done():
			return nil, s.tok.Cause()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = ErrRetransmitted
	}
	return nil, ErrRetransmitted
}

func (s *Socket) retransmitTimeout() time.Duration {
	avg := s.rtt.Average()
	if avg == 0 {
		return s.opts.DefaultUDPTimeout
	}
	return time.Duration(avg) * time.Microsecond * time.Duration(s.opts.UDPRTTHeadroom)
}

func (s *Socket) exchangeTCP(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	s.dialTCPOnce()

	select {
	case <-s.tcpReady.Ready():
	case <-s.tok.Done():
		return nil, s.tok.Cause()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if _, ok := s.tcpReady.Value(); !ok {
		return nil, s.tcpErr
	}

	origID := q.Id
	resChan := make(chan *dns.Msg, 1)
	qid, err := s.allocQid(resChan)
	if err != nil {
		return nil, err
	}
	defer s.freeQid(qid)

	qSend := q.Copy()
	qSend.Id = qid

	s.tcpMu.Lock()
	conn := s.tcpConn
	s.tcpMu.Unlock()
	if conn == nil {
		return nil, s.tcpErr
	}
	if _, werr := dnsutils.WriteMsgToTCP(conn, qSend); werr != nil {
		return nil, werr
	}

	select {
	case r := <-resChan:
		r.Id = origID
		return r, nil
	case <-s.tok.Done():
		return nil, s.tok.Cause()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

