package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/wesm/usageview/internal/db"
	"github.com/wesm/usageview/internal/dbtest"
)

type projectSpec struct {
	directory string
	source    string
	model     string
	// sessionsPerDay is how many sessions start each day.
	sessionsPerDay int
}

var projects = []projectSpec{
	{"/home/dev/project-alpha", "cli", "gpt-5.2-codex", 3},
	{"/home/dev/project-alpha/web", "vscode", "gpt-5.2-codex", 2},
	{"/home/dev/project-beta", "cli", "gpt-5.1-codex-mini", 2},
	{"/home/dev/project-gamma", "exec", "gpt-5.1-codex-max", 1},
	{"/home/dev/project-delta", "cli", "gpt-5.2-codex-2026-01-02", 1},
	{"/home/dev/scratch", "vscode", "local-llama (preview)", 1},
}

var tools = []struct{ name, kind string }{
	{"shell", "exec"},
	{"apply_patch", "edit"},
	{"read_file", "fs"},
	{"list_dir", "fs"},
	{"web_search", "web"},
}

const turnsPerSession = 6

func main() {
	out := flag.String("out", "", "output database path")
	days := flag.Int("days", 14, "days of usage to generate")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()
	if *out == "" || *days <= 0 {
		fmt.Fprintln(os.Stderr,
			"usage: testfixture -out <path> [-days N] [-seed N]")
		os.Exit(1)
	}

	for _, suffix := range []string{"", "-journal", "-wal"} {
		if err := os.Remove(*out + suffix); err != nil &&
			!errors.Is(err, os.ErrNotExist) {
			log.Fatalf("removing existing db: %v", err)
		}
	}

	w, err := dbtest.Create(*out)
	if err != nil {
		log.Fatalf("creating db: %v", err)
	}
	defer w.Close()

	rng := rand.New(rand.NewPCG(*seed, *seed))
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -*days)

	var n counts
	for day := range *days {
		base := start.AddDate(0, 0, day)
		for _, p := range projects {
			for i := range p.sessionsPerDay {
				sessionStart := base.Add(
					time.Duration(8+2*i)*time.Hour +
						time.Duration(rng.IntN(60))*time.Minute,
				)
				id := fmt.Sprintf("sess-%s-%d-%d", base.Format("0102"), n.sessions, i)
				if err := writeSession(w, rng, p, id, sessionStart, &n); err != nil {
					log.Fatalf("writing session %s: %v", id, err)
				}
			}
		}
	}

	fmt.Printf(
		"Fixture DB written to %s: %d sessions, %d turns, %d events, %d tool calls\n",
		*out, n.sessions, n.turns, n.events, n.toolCalls,
	)
}

type counts struct {
	sessions, turns, events, toolCalls int
}

func writeSession(
	w *dbtest.Writer, rng *rand.Rand, p projectSpec,
	id string, start time.Time, n *counts,
) error {
	var (
		turns  []dbtest.Turn
		events []dbtest.Event
		calls  []dbtest.ToolCall
	)
	events = append(events, dbtest.Event{
		TS: db.FormatTime(start), SessionID: id,
		EventType: "session_start", Model: p.model,
		Directory: p.directory, Source: p.source,
	})

	at := start
	for t := range turnsPerSession {
		turnID := fmt.Sprintf("%s-t%d", id, t)
		turnMs := int64(2000 + rng.IntN(58000))
		turns = append(turns, dbtest.Turn{
			TurnID: turnID, SessionID: id, TS: db.FormatTime(at),
			Model: p.model, Directory: p.directory, Source: p.source,
			DurationMs: dbtest.Ptr(turnMs),
		})

		input := int64(2000 + rng.IntN(40000))
		events = append(events, dbtest.Event{
			TS: db.FormatTime(at.Add(time.Second)), SessionID: id,
			TurnID: turnID, Model: p.model,
			Directory: p.directory, Source: p.source,
			InputTokens:       input,
			CachedInputTokens: input * int64(rng.IntN(80)) / 100,
			OutputTokens:      int64(100 + rng.IntN(4000)),
			ReasoningTokens:   int64(rng.IntN(1500)),
		})

		for c := range rng.IntN(4) {
			tool := tools[rng.IntN(len(tools))]
			status := "ok"
			if rng.IntN(20) == 0 {
				status = "error"
			}
			calls = append(calls, dbtest.ToolCall{
				TS:         db.FormatTime(at.Add(time.Duration(c+2) * time.Second)),
				SessionID:  id,
				TurnID:     turnID,
				Source:     p.source,
				ToolName:   tool.name,
				ToolType:   tool.kind,
				Status:     status,
				DurationMs: dbtest.Ptr(int64(20 + rng.IntN(5000))),
			})
		}
		at = at.Add(time.Duration(turnMs)*time.Millisecond + time.Minute)
	}

	session := dbtest.Session{
		SessionID: id, StartedAt: db.FormatTime(start),
		EndedAt:   dbtest.Ptr(db.FormatTime(at)),
		Directory: p.directory, Source: p.source, Model: p.model,
	}
	if err := w.InsertSessions(session); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	if err := w.InsertTurns(turns...); err != nil {
		return fmt.Errorf("inserting turns: %w", err)
	}
	if err := w.InsertEvents(events...); err != nil {
		return fmt.Errorf("inserting events: %w", err)
	}
	if len(calls) > 0 {
		if err := w.InsertToolCalls(calls...); err != nil {
			return fmt.Errorf("inserting tool calls: %w", err)
		}
	}

	n.sessions++
	n.turns += len(turns)
	n.events += len(events)
	n.toolCalls += len(calls)
	return nil
}
