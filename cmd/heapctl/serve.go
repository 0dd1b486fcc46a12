// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kianostad/rheap"
)

// Server timeouts.
const (
	serverReadTimeout  = 30 * time.Second
	serverWriteTimeout = 60 * time.Second
	serverIdleTimeout  = 120 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Prometheus metrics and the region map over HTTP",
		RunE: func(_ *cobra.Command, _ []string) error {
			h, err := flags.openHeap()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, h, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":9090", "address to listen on")

	return cmd
}

// newServerMux routes /metrics to a private registry and /regions and
// /stats to the heap.
func newServerMux(h rheap.Heap) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(h.Collector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/regions", func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = rheap.FormatJSON
		}
		contentType := "application/json"
		if format == rheap.FormatCSV {
			contentType = "text/csv"
		}
		w.Header().Set("Content-Type", contentType)
		if err := h.WriteRegions(r.Context(), w, format); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/gc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.RequestExplicitGC(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})
	return mux, nil
}

func serve(ctx context.Context, h rheap.Heap, addr string) error {
	logger := h.Logger().Named("http")
	defer closeHeap(h)

	handler, err := newServerMux(h)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Shutting down")
	return srv.Shutdown(shutdownCtx)
}
