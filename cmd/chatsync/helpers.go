package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LuminPulse-AI/chatsync"
)

// session is a configured engine talking to the chat backend.
type session struct {
	cfg     *Config
	client  *chatsync.Client
	engine  *chatsync.Engine
	metrics *chatsync.Metrics
}

// openSession loads the config and starts an engine against the REST API.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if cfg.Engine.ViewerID == "" {
		return nil, errors.New("no viewer id. Run 'chatsync init <token> --viewer <id>' first")
	}
	setupLogging(cfg.Engine.LogLevel)

	var opts []chatsync.ClientOption
	if cfg.Server.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Server.BaseURL))
	}
	client := chatsync.NewClient(cfg.Server.Token, opts...)
	return startEngine(cfg, client)
}

// startEngine creates an engine registered on the default Prometheus
// registry.
func startEngine(cfg *Config, backend chatsync.Backend) (*session, error) {
	metrics := chatsync.NewMetrics(prometheus.DefaultRegisterer)
	engine, err := chatsync.NewEngine(cfg.Engine, backend, chatsync.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, engine: engine, metrics: metrics}
	if c, ok := backend.(*chatsync.Client); ok {
		s.client = c
	}
	return s, nil
}

func (s *session) baseURL() string {
	if s.cfg.Server.BaseURL != "" {
		return s.cfg.Server.BaseURL
	}
	return chatsync.DefaultBaseURL
}

// ============================================================================
// Output
// ============================================================================

// statusMark is the delivery indicator shown next to own messages.
func statusMark(st chatsync.Status) string {
	switch st {
	case chatsync.StatusSending:
		return "…"
	case chatsync.StatusSent:
		return "✓"
	case chatsync.StatusDelivered:
		return "✓✓"
	case chatsync.StatusRead:
		return "✓✓ read"
	case chatsync.StatusFailed:
		return "! failed"
	}
	return ""
}

func printMessage(w io.Writer, m chatsync.Message) {
	content := m.Content
	switch {
	case m.IsDeleted:
		content = "(deleted)"
	case m.IsEdited:
		content += " (edited)"
	}
	line := fmt.Sprintf("%-12s %-14s %s", humanize.Time(m.CreatedAt), m.SenderID, content)
	if len(m.Media) > 0 {
		line += fmt.Sprintf(" [%d attachment(s)]", len(m.Media))
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, len(m.Reactions))
		for i, r := range m.Reactions {
			emojis[i] = r.Emoji
		}
		line += " " + strings.Join(emojis, "")
	}
	if mark := statusMark(m.Status); mark != "" {
		line += "  " + mark
	}
	fmt.Fprintf(w, "%s  (%s)\n", line, m.Key)
}

func printLog(w io.Writer, log []chatsync.Message, asJSON bool) error {
	if asJSON {
		type jsonMessage struct {
			ID          string `json:"id"`
			Provisional bool   `json:"provisional,omitempty"`
			chatsync.Message
		}
		out := make([]jsonMessage, len(log))
		for i, m := range log {
			out[i] = jsonMessage{ID: m.ID(), Provisional: m.Key.IsProvisional(), Message: m}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(log) == 0 {
		fmt.Fprintln(w, "No messages.")
		return nil
	}
	for _, m := range log {
		printMessage(w, m)
	}
	fmt.Fprintf(w, "%s message(s)\n", humanize.Comma(int64(len(log))))
	return nil
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
