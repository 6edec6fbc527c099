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

// Command recur is an example driver for the resolver core: it
// resolves a positional list of domain names (or one per stdin line)
// against a configured set of upstream peers, printing each answer.
package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/miekg/dns"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"
	"github.com/mosdns-core/recur/client"
	"github.com/mosdns-core/recur/mlog"
	"github.com/mosdns-core/recur/pkg/dedup"
	"github.com/mosdns-core/recur/pkg/metrics"
	"github.com/mosdns-core/recur/pkg/recordcache"
	"github.com/mosdns-core/recur/pkg/recordcache/redisstore"
	"github.com/mosdns-core/recur/pkg/upstream/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	allCache bool
)

var rootCmd = &cobra.Command{
	Use:   "recur [domain...]",
	Short: "Resolve domain names with the recur recursive resolver core.",
	RunE:  runRecur,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	rootCmd.Flags().BoolVar(&allCache, "all-cache", false, "print every cached name once resolution finishes (alias -ac)")
}

func main() {
	// pflag shorthands are a single character, so the two-letter -ac
	// alias is rewritten to --all-cache before the flags are parsed.
	for i, a := range os.Args[1:] {
		if a == "-ac" {
			os.Args[i+1] = "--all-cache"
		}
	}
	if err := rootCmd.Execute(); err != nil {
		mlog.S().Fatal(err)
	}
}

func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("recur")
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if len(path) > 0 {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if ext := filepath.Ext(path); len(ext) > 0 {
			v.SetConfigType(strings.TrimPrefix(ext, "."))
		}
		if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.init()
	return cfg, nil
}

func runRecur(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	logger := mlog.L()
	if len(cfg.Log.Level) > 0 || len(cfg.Log.File) > 0 {
		logger, err = mlog.NewLogger(&cfg.Log)
		if err != nil {
			return err
		}
	}

	mainStore := recordcache.NewMainStore(recordcache.MainStoreOpts{
		GCInterval: cfg.Cache.GCInterval,
		Logger:     logger,
	})
	defer mainStore.Close()

	var persist *redisstore.Store
	if len(cfg.Redis.Addr) > 0 {
		persist, err = redisstore.New(redisstore.Opts{
			Client: redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB}),
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("configure redis cache backend: %w", err)
		}
	}

	if len(cfg.RootHints) > 0 {
		loader := newRootHintsLoader(cfg.RootHints, mainStore, logger)
		if err := loader.loadOnce(); err != nil {
			return err
		}
		watchDone := make(chan struct{})
		defer close(watchDone)
		if err := loader.watch(watchDone); err != nil {
			logger.Warn("root hints auto-reload disabled", zap.Error(err))
		}
	}

	var met *metrics.Metrics
	dialer := &net.Dialer{}
	mgr := socket.NewManager(func(addr string) socket.Opts {
		return socket.Opts{
			DialUDP: func(ctx context.Context, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, "udp", addr)
			},
			DialTCP: func(ctx context.Context, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, "tcp", addr)
			},
			UDPRetransmitCeiling: cfg.Socket.UDPRetransmitCeiling,
			UDPRTTHeadroom:       cfg.Socket.UDPRTTHeadroom,
			DefaultUDPTimeout:    cfg.Socket.DefaultUDPTimeout,
			TCPConnectTimeout:    cfg.Socket.TCPConnectTimeout,
			MaxOutstanding:       cfg.Socket.MaxOutstanding,
			UDPBufferBytes:       cfg.Socket.MessageBufferBytes,
			Logger:               logger,
			OnEvent: func(ev socket.Event, addr string) {
				if met != nil {
					met.OnSocketEvent(ev, addr)
				}
			},
		}
	})
	defer mgr.CloseAll()

	dd := dedup.New()
	met = metrics.New(mgr, dd.InFlight)
	dd.OnJoin = func(dedup.Key) { met.QueriesDeduped.Inc() }

	if len(cfg.MetricsAddr) > 0 {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg.MustRegister(collectors.NewGoCollector())
		if err := met.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if len(cfg.Upstream) == 0 {
		return fmt.Errorf("config: at least one upstream address is required")
	}
	var next uint32
	selector := func(dns.Question) string {
		i := atomic.AddUint32(&next, 1) - 1
		return cfg.Upstream[int(i)%len(cfg.Upstream)]
	}

	c := client.New(client.Opts{
		Main:        mainStore,
		Sockets:     mgr,
		Dedup:       dd,
		Upstream:    selector,
		Persist:     persist,
		OverlaySize: cfg.Cache.OverlaySize,
		Metrics:     met,
		Logger:      logger,
	})

	names, err := domainNames(args)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			resolveAndPrint(c, logger, name)
			return nil
		})
	}
	g.Wait()

	if allCache {
		for _, name := range mainStore.Names(time.Now()) {
			fmt.Println(name)
		}
	}
	return nil
}

func domainNames(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	var names []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) > 0 {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return names, nil
}

func resolveAndPrint(c *client.Client, logger *zap.Logger, name string) {
	q := dns.Question{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Query(ctx, q)
	if err != nil {
		logger.Error("query failed", zap.String("name", name), zap.Error(err))
		fmt.Printf("%s: error: %v\n", name, err)
		return
	}
	if len(resp.Answer) == 0 {
		fmt.Printf("%s: no answer (rcode=%s)\n", name, dns.RcodeToString[resp.Rcode])
		return
	}
	for _, rr := range resp.Answer {
		fmt.Println(rr.String())
	}
}
