package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"airwave/internal/stations"
)

func builtinCommands(d *Dispatcher) []Command {
	return []Command{
		{
			Name:        "next",
			Aliases:     []string{"skip"},
			Description: "skip the current item of a station",
			Usage:       "/next <station> [count]",
			Access:      AccessOwnerOnly,
			Handle:      d.cmdNext,
		},
		{
			Name:        "relay",
			Description: "switch a station between relay and playlist",
			Usage:       "/relay <station> 0|1",
			Access:      AccessOwnerOnly,
			Handle:      d.cmdRelay,
		},
		{
			Name:        "stations",
			Aliases:     []string{"ls"},
			Description: "list stations and their state",
			Usage:       "/stations",
			Handle:      d.cmdStations,
		},
		{
			Name:        "status",
			Description: "show what a station is playing",
			Usage:       "/status <station>",
			Handle:      d.cmdStatus,
		},
		{
			Name:        "help",
			Aliases:     []string{"start"},
			Description: "list commands",
			Usage:       "/help",
			Handle:      d.cmdHelp,
		},
	}
}

func (d *Dispatcher) cmdNext(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return usage("station required")
	}
	count := "1"
	if len(req.Args) == 2 {
		if _, err := strconv.Atoi(req.Args[1]); err != nil {
			return usage("count must be a number")
		}
		count = req.Args[1]
	}
	name := req.Args[0]
	if err := d.stations.Control(name, "next", count); err != nil {
		return err
	}
	req.Log.Info("station skipped via chat")
	return req.Reply(ctx, "skipping on "+name)
}

func (d *Dispatcher) cmdRelay(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return usage("station and flag required")
	}
	name, flag := req.Args[0], req.Args[1]
	if err := d.stations.Control(name, "relay", flag); err != nil {
		return err
	}
	mode := "playlist"
	switch strings.ToLower(flag) {
	case "1", "true", "on", "yes":
		mode = "relay"
	}
	return req.Reply(ctx, name+" switched to "+mode)
}

func (d *Dispatcher) cmdStations(ctx context.Context, req *Request) error {
	all := d.stations.Statuses()
	if len(all) == 0 {
		return req.Reply(ctx, "no stations")
	}
	lines := make([]string, 0, len(all))
	for _, st := range all {
		lines = append(lines, "- "+st.Name+": "+stateOf(st))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (d *Dispatcher) cmdStatus(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage("station required")
	}
	st, ok := d.stations.Status(req.Args[0])
	if !ok {
		return fmt.Errorf("%w: %s", stations.ErrUnknownStation, req.Args[0])
	}
	lines := []string{st.Name + ": " + stateOf(st)}
	if w := st.Worker; w != nil {
		if w.Current != nil {
			lines = append(lines, "playing: "+w.Current.Song())
		}
		lines = append(lines, "plays: "+strconv.Itoa(w.Plays))
		if w.LastError != "" {
			lines = append(lines, "last error: "+w.LastError)
		}
	}
	if st.Retries > 0 {
		lines = append(lines, "retries: "+strconv.Itoa(st.Retries))
	}
	if st.ListenURL != "" {
		lines = append(lines, st.ListenURL)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (d *Dispatcher) cmdHelp(ctx context.Context, req *Request) error {
	lines := []string{"Commands:"}
	for _, c := range d.Commands() {
		line := "- " + c.Usage + " : " + c.Description
		if c.Access == AccessOwnerOnly {
			line += " (owner)"
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func stateOf(st stations.Status) string {
	switch {
	case st.Invalid != "":
		return "invalid"
	case st.Stopped:
		return "stopped"
	case st.Worker == nil:
		return "starting"
	case st.Worker.Relay:
		return st.Worker.State + " (relay)"
	default:
		return st.Worker.State
	}
}
