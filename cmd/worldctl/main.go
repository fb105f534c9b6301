// Command worldctl is the operator CLI for a running chorus service.
//
// Usage:
//
//	worldctl [-addr URL] [-key KEY] status
//	worldctl worlds
//	worldctl world <id>
//	worldctl start|pause|stop|resume|turn <world>
//	worldctl nudge <world> <prompt>
//	worldctl jobs
//	worldctl job <name>
//	worldctl run <name>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/chorus/internal/client"
	"github.com/talgya/chorus/internal/jobs"
)

func main() {
	addr := flag.String("addr", envOrDefault("CHORUS_API_URL", "http://localhost:8080"), "service base URL")
	key := flag.String("key", os.Getenv("CHORUS_ADMIN_KEY"), "admin bearer key for POST commands")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observer := client.NewObserver(strings.TrimRight(*addr, "/"))
	actor := client.NewActor(strings.TrimRight(*addr, "/"), *key)

	if err := run(ctx, observer, actor, args); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Code == 401 {
			fmt.Fprintln(os.Stderr, "unauthorized: set -key or CHORUS_ADMIN_KEY")
		} else {
			fmt.Fprintf(os.Stderr, "worldctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, o *client.Observer, a *client.Actor, args []string) error {
	cmd, rest := args[0], args[1:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%s: expected %d argument(s)", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "status":
		st, err := o.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(st)
	case "worlds":
		worlds, err := o.Worlds(ctx)
		if err != nil {
			return err
		}
		printWorlds(worlds)
	case "world":
		if err := need(1); err != nil {
			return err
		}
		wd, err := o.World(ctx, rest[0])
		if err != nil {
			return err
		}
		printWorld(wd)
	case "start", "pause", "stop", "resume", "turn":
		if err := need(1); err != nil {
			return err
		}
		res, err := a.WorldAction(ctx, rest[0], cmd)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s ok (running here: %t)\n", cmd, res.World, res.RunningHere)
	case "nudge":
		if err := need(2); err != nil {
			return err
		}
		if err := a.Nudge(ctx, rest[0], strings.Join(rest[1:], " ")); err != nil {
			return err
		}
		fmt.Printf("nudge queued for %s\n", rest[0])
	case "jobs":
		all, err := o.Jobs(ctx)
		if err != nil {
			return err
		}
		printJobs(all)
	case "job":
		if err := need(1); err != nil {
			return err
		}
		st, err := o.Job(ctx, rest[0])
		if err != nil {
			return err
		}
		printJob(*st)
	case "run":
		if err := need(1); err != nil {
			return err
		}
		res, err := a.RunJob(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s finished\n", res.Job)
		printMetrics(res.Metrics)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func printStatus(st *client.Status) {
	fmt.Printf("%s: %d worlds, %s interactions\n", st.Name, st.Worlds, humanize.Comma(int64(st.TotalInteractions)))
	keys := make([]string, 0, len(st.WorldsByStatus))
	for k := range st.WorldsByStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-8s %d\n", k, st.WorldsByStatus[k])
	}
	fmt.Printf("  paused flag: %d, running here: %s\n", st.Paused, orNone(st.RunningHere))
	fmt.Printf("  store ok: %t, cache live: %t, subscribers: %d\n", st.StoreOK, st.CacheLive, st.Subscribers)
	if len(st.FailingJobs) > 0 {
		fmt.Printf("  failing jobs: %s\n", strings.Join(st.FailingJobs, ", "))
	}
}

func printWorlds(worlds []client.WorldSummary) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPAUSED\tAUTO\tSTORY\tHERE")
	for _, w := range worlds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%t\t%t\n", w.ID, w.Name, w.Status, w.IsPaused, w.AutoMode, w.StoryMode, w.Running)
	}
	tw.Flush()
}

func printWorld(wd *client.WorldDetail) {
	w := wd.World
	fmt.Printf("%s (%s)\n", w.Name, w.ID)
	fmt.Printf("  status: %s", w.Status)
	if w.IsPaused {
		fmt.Printf(" [paused: %s]", w.PauseReason)
	}
	fmt.Println()
	if wd.State != nil {
		fmt.Printf("  interactions: %s (turn %d, %s consolidated, from %s)\n",
			humanize.Comma(int64(wd.State.TotalInteractions)), wd.State.CurrentTurn,
			humanize.Comma(int64(wd.State.ConsolidatedInteractions)), wd.StateSource)
	}
	if wd.LastActivity != nil {
		fmt.Printf("  last activity: %s (dirty: %t)\n", humanize.Time(*wd.LastActivity), wd.Dirty)
	} else if !w.LastActivityAt.IsZero() {
		fmt.Printf("  last activity: %s\n", humanize.Time(w.LastActivityAt))
	}
	if d := w.SceneDirection; d != nil {
		fmt.Printf("  direction: %s, %s pacing", d.Tone, d.Pacing)
		if d.SuggestedSpeakerID != "" {
			fmt.Printf(" (next: %s)", d.SuggestedSpeakerID)
		}
		fmt.Println()
	}
	if ev := w.EmergentEvent; ev != nil {
		fmt.Printf("  event: %s since turn %d\n", ev.Name, ev.TriggerTurn)
	}

	fmt.Println("  roster:")
	names := make(map[string]string, len(wd.Roster))
	for _, r := range wd.Roster {
		names[r.Agent.ID] = r.Agent.Name
		state := "active"
		if !r.Membership.IsActive {
			state = "left"
		}
		fmt.Printf("    %-16s %-10s %-6s %s\n", r.Agent.Name, r.Membership.Importance, state, r.Agent.Emotion.Dominant)
	}
	if len(wd.Recent) > 0 {
		fmt.Println("  recent:")
		for _, in := range wd.Recent {
			name := names[in.SpeakerID]
			if name == "" {
				name = in.SpeakerID
			}
			fmt.Printf("    #%d %s: %s\n", in.Turn, name, in.Content)
		}
	}
}

func printJobs(all []jobs.Stats) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE\tSCHEDULE\tRUNS\tFAILS\tLAST RUN\tNEXT RUN")
	for _, st := range all {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", st.Name, st.State, st.Schedule,
			st.Runs, st.Failures, when(st.LastRun), when(st.NextRun))
	}
	tw.Flush()
}

func printJob(st jobs.Stats) {
	fmt.Printf("%s (%s, %s)\n", st.Name, st.State, st.Schedule)
	fmt.Printf("  runs: %d, failures: %d (%d consecutive), max duration: %s\n",
		st.Runs, st.Failures, st.ConsecutiveFailures, st.MaxDuration)
	fmt.Printf("  last run: %s, next run: %s\n", when(st.LastRun), when(st.NextRun))
	if st.LastError != "" {
		fmt.Printf("  last error: %s\n", st.LastError)
	}
	if st.Last != nil {
		printMetrics(*st.Last)
	}
}

func printMetrics(m jobs.Metrics) {
	fmt.Printf("  processed %s, affected %s, skipped %s, failed %s in %s",
		humanize.Comma(int64(m.Processed)), humanize.Comma(int64(m.Affected)),
		humanize.Comma(int64(m.Skipped)), humanize.Comma(int64(m.Failed)), m.Duration.Round(time.Millisecond))
	if m.Aborted {
		fmt.Print(" (aborted at max duration)")
	}
	fmt.Println()
	keys := make([]string, 0, len(m.Details))
	for k := range m.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("    %s: %s\n", k, humanize.Comma(int64(m.Details[k])))
	}
	for _, e := range m.Errors {
		fmt.Printf("    error: %s\n", e)
	}
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func orNone(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: worldctl [flags] <command> [args]

commands:
  status                              service overview
  worlds                              list worlds
  world <id>                          world state, roster and latest lines
  start|pause|stop|resume|turn <id>   drive a world (admin)
  nudge <id> <prompt>                 queue a prompt for the next turn (admin)
  jobs                                list maintenance jobs
  job <name>                          one job's stats
  run <name>                          run a job now (admin)

flags:
`)
	flag.PrintDefaults()
}
