package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	watchMetricsAddr string
	watchWebhookAddr string
	watchNoHistory   bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "also accept signed webhook deliveries on this address")
	watchCmd.Flags().BoolVar(&watchNoHistory, "no-history", false, "skip loading the first history page")
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>...",
	Short: "Follow conversations in real time",
	Long: "Load the newest history page of each conversation, then apply real-time events\n" +
		"from the configured transport (ws or sse) and print every changed message.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !watchNoHistory {
			for _, id := range args {
				if _, err := s.engine.LoadNextPage(ctx, id); err != nil {
					return errors.Wrapf(err, "failed to load history of %s", id)
				}
				if err := printLog(os.Stdout, s.engine.Messages(id), false); err != nil {
					return err
				}
			}
		}

		bus := chatsync.NewBus(s.cfg.Engine.BusSize)
		defer bus.Close()

		transport, err := s.connect(ctx, bus, args)
		if err != nil {
			return err
		}
		defer transport.Disconnect()

		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			serve(ctx, watchMetricsAddr, mux)
		}
		if watchWebhookAddr != "" {
			if s.cfg.Server.WebhookSecret == "" {
				return errors.New("--webhook-addr requires server.webhook_secret")
			}
			wh, err := chatsync.NewWebhookReceiver(s.cfg.Server.WebhookSecret, bus, s.metrics)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/webhook", wh)
			serve(ctx, watchWebhookAddr, mux)
		}

		go printNotices(ctx, s.engine)

		fmt.Fprintf(os.Stderr, "Watching %d conversation(s) over %s. Press Ctrl+C to stop.\n",
			len(args), valueOrDefault(s.cfg.Server.Transport, "ws"))
		if err := s.engine.Run(ctx, bus.Events()); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "engine stopped")
		}
		return nil
	},
}

// connect opens the configured real-time transport and joins the
// conversations.
func (s *session) connect(ctx context.Context, bus *chatsync.Bus, conversations []string) (chatsync.Transport, error) {
	rc := &chatsync.RealtimeConfig{
		Token:         s.cfg.Server.Token,
		AutoReconnect: true,
		Metrics:       s.metrics,
	}

	switch s.cfg.Server.Transport {
	case "", "ws":
		ws := chatsync.NewRealtimeWSClient(s.baseURL(), bus, rc)
		for _, id := range conversations {
			if err := ws.JoinConversation(ctx, id); err != nil {
				return nil, errors.Wrapf(err, "failed to join %s", id)
			}
		}
		if err := ws.Connect(ctx); err != nil {
			return nil, errors.Wrap(err, "WebSocket connect failed")
		}
		return ws, nil
	case "sse":
		sse := chatsync.NewRealtimeSSEClient(s.baseURL(), bus, rc)
		if err := sse.Connect(ctx); err != nil {
			return nil, errors.Wrap(err, "SSE connect failed")
		}
		return sse, nil
	}
	return nil, errors.Errorf("unknown transport %q (valid: ws, sse)", s.cfg.Server.Transport)
}

// serve runs handler on addr until ctx is done.
func serve(ctx context.Context, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		jww.INFO.Printf("[SYNC] Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail("HTTP server on %s failed: %v", addr, err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// printNotices prints the message behind every notice. Notices without a
// key reprint nothing but a summary line.
func printNotices(ctx context.Context, engine *chatsync.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-engine.Notices():
			if !ok {
				return
			}
			if n.Key.IsZero() {
				fmt.Printf("[%s] %s: %d message(s)\n", n.ConversationID, n.Reason,
					len(engine.Messages(n.ConversationID)))
				continue
			}
			m, ok := engine.Message(n.ConversationID, n.Key)
			if !ok {
				fmt.Printf("[%s] %s removed\n", n.ConversationID, n.Key)
				continue
			}
			fmt.Printf("[%s] %-18s ", n.ConversationID, n.Reason)
			printMessage(os.Stdout, m)
		}
	}
}
