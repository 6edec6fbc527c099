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

// Package upstream wires the three pluggable wire transports (DoQ,
// DoH, DNSCrypt) behind socket.WireTransport, each dialing through an
// optional bootstrap resolver instead of a plain net.Dialer when the
// upstream is named by hostname rather than IP.
package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/netip"
	"net/url"

	"github.com/mosdns-core/recur/pkg/upstream/bootstrap"
	"github.com/mosdns-core/recur/pkg/upstream/dnscrypt"
	"github.com/mosdns-core/recur/pkg/upstream/doh"
	"github.com/mosdns-core/recur/pkg/upstream/doq"
	"github.com/mosdns-core/recur/pkg/upstream/socket"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// BootstrapDialer resolves host to an address via a plain bootstrap
// DNS server before dialing, adapted from pkg/upstream/bootstrap.
type BootstrapDialer struct {
	host string
	port uint16
	bs   *bootstrap.Bootstrap
}

// NewBootstrapDialer resolves host:port through bootstrapServer (which
// must already be an IP:port, since it cannot itself be bootstrapped)
// before any of NewDoQ/NewDoH/NewDNSCrypt dial.
func NewBootstrapDialer(host string, port uint16, bootstrapServer netip.AddrPort, ipv6 bool, logger *zap.Logger) (*BootstrapDialer, error) {
	ver := 4
	if ipv6 {
		ver = 6
	}
	bs, err := bootstrap.New(host, port, bootstrapServer, ver, logger)
	if err != nil {
		return nil, err
	}
	return &BootstrapDialer{host: host, port: port, bs: bs}, nil
}

func (d *BootstrapDialer) dialTCP(ctx context.Context) (net.Conn, error) {
	addr, err := d.bs.GetAddrPortStr(ctx)
	if err != nil {
		return nil, err
	}
	return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
}

func (d *BootstrapDialer) dialUDP(ctx context.Context) (net.Conn, error) {
	addr, err := d.bs.GetAddrPortStr(ctx)
	if err != nil {
		return nil, err
	}
	return (&net.Dialer{}).DialContext(ctx, "udp", addr)
}

// dialTCPOrDefault returns a (network, addr)-style dial func that goes
// through the bootstrap resolver when d is non-nil, or a plain
// net.Dialer otherwise.
func (d *BootstrapDialer) dialTCPOrDefault() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if d == nil {
		nd := &net.Dialer{}
		return nd.DialContext
	}
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		return d.dialTCP(ctx)
	}
}

// NewDoQ builds a DNS-over-QUIC transport. bs is optional; when nil,
// addr (host:port) is resolved and dialed directly.
func NewDoQ(addr string, tlsConfig *tls.Config, bs *BootstrapDialer) (socket.WireTransport, error) {
	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = new(tls.Config)
	}
	if len(cfg.ServerName) == 0 {
		host, _, _ := net.SplitHostPort(addr)
		cfg.ServerName = host
	}
	cfg.NextProtos = doq.DoqAlpn

	uc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: uc}

	dial := func(ctx context.Context) (quic.Connection, error) {
		raddr := addr
		if bs != nil {
			r, err := bs.bs.GetAddrPortStr(ctx)
			if err != nil {
				return nil, err
			}
			raddr = r
		}
		ua, err := net.ResolveUDPAddr("udp", raddr)
		if err != nil {
			return nil, err
		}
		ec, err := tr.DialEarly(ctx, ua, cfg, &quic.Config{})
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			ec.CloseWithError(0, "")
			return nil, context.Cause(ctx)
		case <-ec.HandshakeComplete():
			return ec.NextConnection(), nil
		}
	}
	return doq.NewUpstream(dial), nil
}

// NewDoH builds a DNS-over-HTTPS transport. bs is optional; when nil,
// the http.Transport's default dialer resolves the endpoint's host. ob,
// if non-nil, observes the underlying TCP connection's lifecycle.
func NewDoH(endpoint string, tlsConfig *tls.Config, bs *BootstrapDialer, ob EventObserver, logger *zap.Logger) (socket.WireTransport, error) {
	if ob == nil {
		ob = nopEO{}
	}
	dial := bs.dialTCPOrDefault()
	rt := &http.Transport{
		TLSClientConfig: tlsConfig,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, err := dial(ctx, network, addr)
			return wrapConn(c, ob), err
		},
	}
	return doh.NewUpstream(endpoint, rt, logger)
}

// NewDNSCrypt builds a DNSCrypt transport from an sdns:// stamp URL.
// bs is optional.
func NewDNSCrypt(stampURL *url.URL, bs *BootstrapDialer, logger *zap.Logger) (socket.WireTransport, error) {
	opts := dnscrypt.Options{Logger: logger}
	if bs != nil {
		opts.UdpDialFunc = bs.dialUDP
		opts.TcpDialFunc = bs.dialTCP
	} else {
		d := &net.Dialer{}
		opts.UdpDialFunc = func(ctx context.Context) (net.Conn, error) { return d.DialContext(ctx, "udp", stampURL.Host) }
		opts.TcpDialFunc = func(ctx context.Context) (net.Conn, error) { return d.DialContext(ctx, "tcp", stampURL.Host) }
	}
	return dnscrypt.NewDnscrypt(stampURL, opts)
}
