package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psanford/dhcpeterd/internal/adminapi"
	"github.com/psanford/dhcpeterd/internal/allocator"
	"github.com/psanford/dhcpeterd/internal/config"
	"github.com/psanford/dhcpeterd/internal/dhcp4d"
	"github.com/psanford/dhcpeterd/internal/leasestore"
	"github.com/psanford/dhcpeterd/internal/metrics"
	"github.com/psanford/dhcpeterd/internal/server"
)

var confPath = flag.String("config", "dhcpeterd.toml", "Config path")

func main() {
	flag.Parse()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	conf, err := config.Load(*confPath)
	if err != nil {
		slog.Error("load config err", "err", err)
		os.Exit(1)
	}

	store, err := run(ctx, conf)
	if err != nil {
		slog.Error("run error", "err", err)
		os.Exit(1)
	}

	<-c
	cancel()
	store.Close()
}

func run(ctx context.Context, conf *config.Config) (*leasestore.Store, error) {
	store, err := leasestore.Open(conf.LeaseDBPath)
	if err != nil {
		return nil, err
	}

	for _, r := range conf.Reservations {
		res := dhcp4d.StaticLeaseFromReservation(r.MAC, r.IP, r.Hostname, r.Description)
		if res.IP == nil {
			slog.Error("invalid reservation ip, skipping", "mac", r.MAC, "ip", r.IP)
			continue
		}
		if err := store.AddReservation(res); err != nil {
			return nil, err
		}
	}

	pool, err := allocator.NewPool(conf.PoolCIDR, conf.ExcludedIPs)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	conn, err := server.Listen()
	if err != nil {
		return nil, err
	}

	handler := dhcp4d.NewHandler(
		store,
		pool,
		net.ParseIP(conf.ServerIP),
		conf.LeaseSeconds,
		dhcp4d.StaticOptions{
			SubnetMask: net.ParseIP(conf.Options.SubnetMask),
			Router:     net.ParseIP(conf.Options.Router),
			DNS:        net.ParseIP(conf.Options.DNS),
			NTP:        net.ParseIP(conf.Options.NTP),
		},
		conn,
		dhcp4d.WithMetrics(m),
	)

	srv, err := server.New(conn, handler, store, m, slog.Default(), conf.SweepInterval)
	if err != nil {
		return nil, err
	}

	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/", adminapi.Handler(store, slog.Default()))
		go func() {
			if err := http.ListenAndServe(conf.MetricsAddr, mux); err != nil {
				slog.Error("admin/metrics server error", "err", err)
			}
		}()
	}

	go func() {
		if err := srv.Run(ctx); err != nil {
			slog.Error("server loop exited", "err", err)
		}
	}()

	slog.Info("dhcpeterd listening", "server_ip", conf.ServerIP, "pool", conf.PoolCIDR)
	return store, nil
}
