// Package story implements the story command: load a script, run a session,
// and play it over standard input and output.
package story

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/louisbranch/story-engine/internal/driver"
	"github.com/louisbranch/story-engine/internal/session"
	"github.com/louisbranch/story-engine/internal/storage"
	"github.com/louisbranch/story-engine/internal/storage/memory"
	"github.com/louisbranch/story-engine/internal/storage/sqlite"
	"github.com/louisbranch/story-engine/internal/stream"
)

// Config holds story command configuration.
type Config struct {
	Script  string `env:"STORY_ENGINE_SCRIPT"`
	DBPath  string `env:"STORY_ENGINE_DB"`
	Session string `env:"STORY_ENGINE_SESSION"`
}

// ParseConfig parses environment defaults and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Script, "script", cfg.Script, "path to story script yaml")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to sqlite session store (empty for in-memory)")
	fs.StringVar(&cfg.Session, "session", cfg.Session, "session uid to resume")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the story command: it creates or resumes a session, prints
// rendered fragments, and reads choice numbers from in until the story stops
// or input ends.
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if cfg.Script == "" {
		return errors.New("script path is required")
	}

	source, err := os.ReadFile(cfg.Script)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	var store storage.Store
	if cfg.DBPath != "" {
		store, err = sqlite.Open(cfg.DBPath)
		if err != nil {
			return err
		}
	} else {
		store = memory.New()
	}
	defer func() { _ = store.Close() }()

	scriptName := filepath.Base(cfg.Script)
	loader := func(name string) ([]byte, error) {
		if name != scriptName {
			return nil, fmt.Errorf("unknown script %q", name)
		}
		return source, nil
	}
	manager := session.NewManager(store, loader)

	var sess *session.Session
	if cfg.Session != "" {
		sess, err = manager.Resume(ctx, cfg.Session)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "resumed session %s\n\n", sess.UID())
	} else {
		sess, err = manager.Create(ctx, scriptName, source)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "session %s\n\n", sess.UID())
		printUpdate(out, sess)
	}

	scanner := bufio.NewScanner(in)
	for {
		status := sess.GetStatus()
		if !status.AwaitingChoice {
			break
		}
		printChoices(out, status.Choices)

		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "q" || line == "quit" {
			break
		}
		pick, err := strconv.Atoi(line)
		if err != nil || pick < 1 || pick > len(status.Choices) {
			fmt.Fprintf(out, "pick a number between 1 and %d\n", len(status.Choices))
			continue
		}

		res, err := sess.DoAction(ctx, status.Choices[pick-1].EdgeID, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		printUpdate(out, sess)
		if !res.Ready && res.Reason != "" {
			fmt.Fprintf(out, "(%s)\n", res.Reason)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	if err := manager.Save(ctx, sess.UID()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Fprintf(out, "\nsaved session %s\n", sess.UID())
	return nil
}

func printUpdate(out io.Writer, sess *session.Session) {
	update, err := sess.GetUpdate(stream.LatestMarker)
	if err != nil {
		return
	}
	for _, rec := range update {
		frag, ok := rec.Payload.(stream.Fragment)
		if !ok || rec.Channel() != driver.StoryChannel {
			continue
		}
		fmt.Fprintln(out, frag.Body)
	}
}

func printChoices(out io.Writer, choices []driver.Choice) {
	fmt.Fprintln(out)
	for i, c := range choices {
		label := c.Label
		if label == "" {
			label = c.EdgeID
		}
		fmt.Fprintf(out, "%d) %s\n", i+1, label)
	}
	fmt.Fprint(out, "> ")
}
