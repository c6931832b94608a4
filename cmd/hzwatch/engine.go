package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/adapter"
	"github.com/dgnsrekt/hzwatch/internal/config"
	"github.com/dgnsrekt/hzwatch/internal/connection"
	"github.com/dgnsrekt/hzwatch/internal/metrics"
	"github.com/dgnsrekt/hzwatch/internal/realtime"
	"github.com/dgnsrekt/hzwatch/internal/store"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// session bundles the engine of one command run.
type session struct {
	manager *connection.Manager
	service *realtime.Service
	adapter *adapter.Adapter
	metrics *http.Server
}

func subprotocol(name string) string {
	if name == config.SubprotocolProtobuf {
		return transport.SubprotocolProtobuf
	}
	return transport.SubprotocolJSON
}

func openSession(cfg *config.Config, logger *zap.Logger) *session {
	s := &session{}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector())
		m = metrics.New(reg)
		s.metrics = serveMetrics(cfg.Metrics.Addr, reg, logger)
	}

	client := transport.NewClient(transport.Options{
		URL:                cfg.Transport.URL,
		Subprotocol:        subprotocol(cfg.Transport.Subprotocol),
		Compression:        cfg.Transport.Compression,
		HandshakeTimeout:   cfg.Transport.HandshakeTimeout,
		WriteRatePerSecond: cfg.Transport.WriteRatePerSecond,
	}, logger.Named("transport"))

	s.manager = connection.NewManager(client, connection.Config{
		RetryOffsets: cfg.Retry.Ladder,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Metrics:      m,
	}, logger.Named("connection"))

	s.service = realtime.New(s.manager, realtime.Config{
		DedupWindow:  cfg.Watch.DedupWindow,
		SyncTimeout:  cfg.Watch.SyncTimeout,
		TeardownIdle: cfg.Watch.TeardownIdle,
		Metrics:      m,
		OnError: func(err error) {
			logger.Warn("dispatch error", zap.Error(err))
		},
	}, logger.Named("realtime"))

	s.adapter = adapter.New(s.service, store.New(logger.Named("store")), logger.Named("adapter"))
	return s
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = s.service.Close(ctx)
	_ = s.manager.Close()
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}
}

func metricsRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: metricsRouter(gatherer), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

// parseQuery turns key=value pairs into a query object. Values that parse
// as JSON keep their type, anything else is a string.
func parseQuery(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	query := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid query term %q (use key=value)", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		query[key] = v
	}
	return query, nil
}

func printJSON(v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
