package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

const shutdownTimeout = 5 * time.Second

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sweeper and expose metrics and lease events",
		Long: wrap("Run the periodic sweeper and serve /metrics, /events " +
			"(server-sent events) and /ws (websocket) until interrupted. " +
			"Event endpoints take a resource query parameter; without it " +
			"every lease event is streamed when the bus supports it."),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", a.cfg.listen)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())
			return a.serve(ctx, ln)
		},
	}
	cmd.Flags().String("listen", ":2112", wrap("http listen address"))
	cmd.Flags().Duration("sweep-interval", time.Minute, wrap("interval between sweeps; zero disables the sweeper"))
	cmd.Flags().Bool("trace", false, wrap("export coordinator spans to stderr"))
	return cmd
}

// serve runs the sweeper and the http endpoints on ln until ctx ends.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	instance := uuid.NewString()
	log := slog.With("instance", instance)

	if a.cfg.tracing {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLeaseMetrics(reg)

	sweeper := lock.NewSweeper(a.stack.Coordinator, a.cfg.sweepEach)

	g, gctx := errgroup.WithContext(ctx)
	// requests inherit gctx so event streams stop on shutdown
	srv := &http.Server{
		Handler:           newServeMux(a.stack.Bus, reg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		sweeper.Run(gctx)
		log.Info("lease: sweeper stopped", "runs", sweeper.Runs(), "evicted", sweeper.Evicted())
		return nil
	})
	g.Go(func() error {
		log.Info("lease: serving", "addr", ln.Addr().String(), "backend", a.cfg.backend)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func newServeMux(bus watchbus.WatchBus, reg prometheus.Gatherer) *http.ServeMux {
	opts := []watchbus.HandlerOption{
		watchbus.WithKeyFunc(func(r string) string { return lock.EventKey(lease.ResourceID(r)) }),
		watchbus.WithPrefix(lock.EventPrefix),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/events", watchbus.SSEHandler(bus, opts...))
	mux.Handle("/ws", watchbus.WebSocketHandler(bus, opts...))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
