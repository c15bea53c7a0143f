// Command sortlog prints the sorter's event store as tables and manages its
// schema migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/pear-sorter/internal/db"
	"github.com/banshee-data/pear-sorter/internal/version"
)

const defaultDBPath = "sorter.db"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `sortlog - inspect the pear sorter event store

Usage: sortlog <command> [options]

Commands:
  windows    Show recent decision windows
  events     Show recent actuator events (--session to filter)
  sessions   Show actuator sessions and their counters
  migrate    Apply or roll back schema migrations: up, down, status
  version    Show sortlog version
  help       Show this help message

Common Flags:
  --db <file>    Event store path (default: sorter.db)
  --limit <n>    Maximum rows to show (default: 20)`)
}

// run executes one command and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	command, args := args[0], args[1:]
	var err error
	switch command {
	case "windows":
		err = handleWindows(args, stdout)
	case "events":
		err = handleEvents(args, stdout)
	case "sessions":
		err = handleSessions(args, stdout)
	case "migrate":
		err = handleMigrate(args, stdout)
	case "version":
		fmt.Fprintf(stdout, "sortlog %s\n", version.String())
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "sortlog %s: %v\n", command, err)
		return 1
	}
	return 0
}

type commonFlags struct {
	fs    *flag.FlagSet
	db    *string
	limit *int
}

func newFlags(name string) commonFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return commonFlags{
		fs:    fs,
		db:    fs.String("db", defaultDBPath, "Event store path"),
		limit: fs.Int("limit", 20, "Maximum rows to show"),
	}
}

// open opens an existing store without migrating it, so a read never
// changes the schema underneath a running sorter.
func (f commonFlags) open() (*db.DB, error) {
	if _, err := os.Stat(*f.db); err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}
	return db.OpenDB(*f.db)
}

func handleWindows(args []string, w io.Writer) error {
	f := newFlags("windows")
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	store, err := f.open()
	if err != nil {
		return err
	}
	defer store.Close()

	windows, err := store.RecentWindows(context.Background(), *f.limit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(windows))
	for _, win := range windows {
		rows = append(rows, []string{
			strconv.FormatInt(win.ID, 10),
			formatTime(win.Start),
			win.End.Sub(win.Start).Round(time.Millisecond).String(),
			strconv.Itoa(win.Normal),
			strconv.Itoa(win.Abnormal),
			win.Trigger,
			win.Command.String(),
			yesNo(win.Final),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "Start", "Length", "Normal", "Abnormal", "Trigger", "Command", "Final"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight},
	))
	return nil
}

func handleEvents(args []string, w io.Writer) error {
	f := newFlags("events")
	session := f.fs.String("session", "", "Only show events of this session")
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	store, err := f.open()
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.RecentEvents(context.Background(), *session, *f.limit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		attempt := ""
		if ev.Attempt > 0 {
			attempt = strconv.Itoa(ev.Attempt)
		}
		rows = append(rows, []string{
			formatTime(ev.Time),
			shortID(ev.SessionID),
			string(ev.Kind),
			ev.CommandName,
			attempt,
			ev.Err,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Time", "Session", "Kind", "Command", "Attempt", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	return nil
}

func handleSessions(args []string, w io.Writer) error {
	f := newFlags("sessions")
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	store, err := f.open()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Sessions(context.Background(), *f.limit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID,
			s.Port,
			formatTime(s.StartedAt),
			formatTime(s.LastCommandTime),
			strconv.FormatUint(s.OnCount, 10),
			strconv.FormatUint(s.OffCount, 10),
			strconv.FormatUint(s.Failures, 10),
			strconv.FormatUint(s.Coalesced, 10),
			strconv.FormatUint(s.Reconnects, 10),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Session", "Port", "Started", "Last command", "ON", "OFF", "Failures", "Coalesced", "Reconnects"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	))
	return nil
}

func handleMigrate(args []string, w io.Writer) error {
	f := newFlags("migrate")
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	action := "status"
	if f.fs.NArg() > 0 {
		action = f.fs.Arg(0)
	}

	store, err := db.OpenDB(*f.db)
	if err != nil {
		return err
	}
	defer store.Close()

	switch action {
	case "up":
		err = store.MigrateUp()
	case "down":
		err = store.MigrateDown()
	case "status":
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down or status)", action)
	}
	if err != nil {
		return err
	}

	v, dirty, err := store.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d", v)
	if dirty {
		fmt.Fprint(w, " (dirty)")
	}
	fmt.Fprintln(w)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05.000")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
