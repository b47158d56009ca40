package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	replayViewer string
	replayJSON   bool
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayViewer, "viewer", "", "viewer id (defaults to engine.viewer_id)")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "output as JSON")
}

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Apply a recorded event log offline and print the resulting logs",
	Long: "Read one real-time envelope per line ({\"type\":...,\"payload\":...}), apply each\n" +
		"to an engine without network access and print every conversation log.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if replayViewer != "" {
			cfg.Engine.ViewerID = replayViewer
		}
		if cfg.Engine.ViewerID == "" {
			return errors.New("no viewer id. Pass --viewer or set engine.viewer_id")
		}
		setupLogging(cfg.Engine.LogLevel)

		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "cannot open event log")
		}
		defer f.Close()

		s, err := startEngine(cfg, offline{})
		if err != nil {
			return err
		}
		defer s.engine.Close()

		stats, err := replay(f, s.engine)
		if err != nil {
			return err
		}

		for _, id := range s.engine.Conversations() {
			if !replayJSON {
				fmt.Printf("== %s\n", id)
			}
			if err := printLog(os.Stdout, s.engine.Messages(id), replayJSON); err != nil {
				return err
			}
		}
		fmt.Fprintf(os.Stderr, "%d event(s): %d applied, %d without effect, %d skipped\n",
			stats.Lines, stats.Applied, stats.Ignored, stats.Skipped)
		return nil
	},
}

// replayStats counts what happened to each line of an event log.
type replayStats struct {
	Lines   int
	Applied int
	Ignored int
	Skipped int
}

// replay applies every envelope read from r. Blank lines are ignored;
// lines that are not envelopes or carry no known event are skipped.
func replay(r io.Reader, engine *chatsync.Engine) (replayStats, error) {
	var stats replayStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for n := 1; scanner.Scan(); n++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		stats.Lines++

		var env chatsync.Envelope
		if err := json.Unmarshal(line, &env); err != nil || env.Type == "" {
			jww.WARN.Printf("[SYNC] Line %d is not an event envelope", n)
			stats.Skipped++
			continue
		}
		ev, err := chatsync.DecodeEvent(env)
		if err != nil {
			if !errors.Is(err, chatsync.ErrUnknownEvent) {
				jww.WARN.Printf("[SYNC] Line %d: %v", n, err)
			}
			stats.Skipped++
			continue
		}
		if engine.Apply(ev) {
			stats.Applied++
		} else {
			stats.Ignored++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, errors.Wrap(err, "cannot read event log")
	}
	return stats, nil
}

// offline is a backend for engines that only apply recorded events.
type offline struct{}

var errOffline = errors.New("replay runs without a backend")

func (offline) SendMessage(context.Context, *chatsync.SendRequest) (json.RawMessage, error) {
	return nil, errOffline
}

func (offline) FetchPage(context.Context, *chatsync.PageRequest) (*chatsync.PageResponse, error) {
	return nil, errOffline
}

func (offline) EditMessage(context.Context, string, string, string) error { return errOffline }

func (offline) DeleteMessage(context.Context, string, string, chatsync.DeleteScope) error {
	return errOffline
}

func (offline) React(context.Context, string, string, string, bool) error { return errOffline }
