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

// Package redisstore is an optional, persisted record store used
// alongside recordcache.MainStore, not in place of it. The default
// MainStore keeps everything in memory (the core has no persisted
// state by default); a caller that wants cached records to survive a
// restart sets client.Opts.Persist to a Store, mirroring how the
// teacher's pkg/cache/redis_cache backs its generic plugin cache with
// Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/miekg/dns"
	"github.com/mosdns-core/recur/pkg/recordcache"
	"github.com/mosdns-core/recur/pkg/utils"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// Opts configures a Store.
type Opts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientTimeout bounds every read/write round trip. Default 50ms.
	ClientTimeout time.Duration

	// Logger receives connectivity diagnostics. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

func (o *Opts) init() error {
	if o.Client == nil {
		return errors.New("redisstore: nil client")
	}
	utils.SetDefaultNum(&o.ClientTimeout, 50*time.Millisecond)
	if o.Logger == nil {
		o.Logger = nopLogger
	}
	return nil
}

// Store persists CachedRecord buckets in Redis, keyed by the wire form
// of a Question. It disables itself on write/read errors and retries
// in the background, exactly like redis_cache.RedisCache did for the
// teacher's generic plugin cache.
type Store struct {
	opts     Opts
	disabled uint32
}

// New validates opts and returns a ready Store.
func New(opts Opts) (*Store, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &Store{opts: opts}, nil
}

func (s *Store) isDisabled() bool {
	return atomic.LoadUint32(&s.disabled) != 0
}

func (s *Store) disable() {
	if !atomic.CompareAndSwapUint32(&s.disabled, 0, 1) {
		return
	}
	s.opts.Logger.Warn("redis record store temporarily disabled")
	go func() {
		const maxBackoff = 30 * time.Second
		backoff := 100 * time.Millisecond
		for {
			time.Sleep(backoff)
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			err := s.opts.Client.Ping(ctx).Err()
			cancel()
			if err != nil {
				if backoff < maxBackoff {
					backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
				}
				s.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
				continue
			}
			atomic.StoreUint32(&s.disabled, 0)
			return
		}
	}()
}

type wireRecord struct {
	RR            string `json:"rr"`
	Auth          int    `json:"auth"`
	InsertionUnix int64  `json:"t"`
	OriginalTTL   uint32 `json:"ttl"`
}

func key(q recordcache.Question) string {
	return q.Name + "/" + dns.TypeToString[q.Qtype] + "/" + dns.ClassToString[q.Qclass]
}

// Load fetches the bucket stored for q, if any.
func (s *Store) Load(q recordcache.Question) ([]recordcache.CachedRecord, bool) {
	if s.isDisabled() {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ClientTimeout)
	defer cancel()

	raw, err := s.opts.Client.Get(ctx, key(q)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.opts.Logger.Warn("redis get", zap.Error(err))
			s.disable()
		}
		return nil, false
	}

	var wire []wireRecord
	if err := json.Unmarshal(raw, &wire); err != nil {
		s.opts.Logger.Warn("redis record unmarshal", zap.Error(err))
		return nil, false
	}

	out := make([]recordcache.CachedRecord, 0, len(wire))
	for _, w := range wire {
		rr, err := dns.NewRR(w.RR)
		if err != nil || rr == nil {
			continue
		}
		out = append(out, recordcache.CachedRecord{
			RR:            rr,
			Auth:          recordcache.Authority(w.Auth),
			InsertionTime: time.Unix(w.InsertionUnix, 0),
			OriginalTTL:   w.OriginalTTL,
		})
	}
	return out, len(out) > 0
}

// Save persists recs for q until the furthest expiration among them.
func (s *Store) Save(q recordcache.Question, recs []recordcache.CachedRecord) {
	if s.isDisabled() || len(recs) == 0 {
		return
	}

	var ttl time.Duration
	wire := make([]wireRecord, 0, len(recs))
	now := time.Now()
	for _, r := range recs {
		if remaining := r.ExpirationTime().Sub(now); remaining > ttl {
			ttl = remaining
		}
		wire = append(wire, wireRecord{
			RR:            r.RR.String(),
			Auth:          int(r.Auth),
			InsertionUnix: r.InsertionTime.Unix(),
			OriginalTTL:   r.OriginalTTL,
		})
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(wire)
	if err != nil {
		s.opts.Logger.Warn("redis record marshal", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ClientTimeout)
	defer cancel()
	if err := s.opts.Client.Set(ctx, key(q), data, ttl).Err(); err != nil {
		s.opts.Logger.Warn("redis set", zap.Error(err))
		s.disable()
	}
}
