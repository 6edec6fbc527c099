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

package main

import (
	"time"

	"github.com/mosdns-core/recur/mlog"
)

// Config is recur's top-level configuration, unmarshaled from the
// file named by --config.
type Config struct {
	Log mlog.LogConfig `yaml:"log"`

	// Upstream is the list of peer addresses ("host:port") queries are
	// sent to. The driver round-robins across them; qname minimization
	// and delegation are not this core's concern.
	Upstream []string `yaml:"upstream"`

	// RootHints, if set, is loaded as Bootstrap-priority A/AAAA/NS
	// records on startup and re-loaded whenever the file changes.
	RootHints string `yaml:"root_hints"`

	Cache  CacheConfig  `yaml:"cache"`
	Socket SocketConfig `yaml:"socket"`
	Redis  RedisConfig  `yaml:"redis"`

	// MetricsAddr, if set, serves Prometheus metrics at /metrics on
	// this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

type CacheConfig struct {
	OverlaySize int           `yaml:"overlay_size"`
	GCInterval  time.Duration `yaml:"gc_interval"`
}

type SocketConfig struct {
	UDPRetransmitCeiling int           `yaml:"udp_retransmit_ceiling"`
	UDPRTTHeadroom       int           `yaml:"udp_rtt_headroom"`
	DefaultUDPTimeout    time.Duration `yaml:"default_udp_timeout"`
	TCPConnectTimeout    time.Duration `yaml:"tcp_connect_timeout"`
	MaxOutstanding       int           `yaml:"max_outstanding_per_socket"`
	MessageBufferBytes   int           `yaml:"message_buffer_bytes"`
}

// RedisConfig enables the persisted cache backend described in
// SPEC_FULL.md's domain stack. Empty Addr disables it.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

func (c *Config) init() {
	if c.Cache.OverlaySize <= 0 {
		c.Cache.OverlaySize = 64
	}
	if c.Cache.GCInterval <= 0 {
		c.Cache.GCInterval = 10 * time.Second
	}
	if c.Socket.UDPRetransmitCeiling <= 0 {
		c.Socket.UDPRetransmitCeiling = 3
	}
	if c.Socket.UDPRTTHeadroom <= 0 {
		c.Socket.UDPRTTHeadroom = 2
	}
	if c.Socket.MaxOutstanding <= 0 {
		c.Socket.MaxOutstanding = 4096
	}
	if c.Socket.MessageBufferBytes <= 0 {
		c.Socket.MessageBufferBytes = 4096
	}
}
