package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"taskboard/client"
	"taskboard/domain"
)

var mergeFields = []client.Field{
	client.FieldTitle,
	client.FieldDescription,
	client.FieldStatus,
	client.FieldPriority,
	client.FieldAssignee,
}

// resolve settles a conflicted edit. In prompt mode a rejected resolution
// (a title taken in the meantime) is offered again; the other modes give up
// and cancel the edit.
func (a *app) resolve(ctx context.Context, e *client.Edit) error {
	for {
		local, server, ok := e.Conflict()
		if !ok {
			return nil
		}
		fmt.Fprintf(a.out, "conflict on %s: the task changed on the server\n", e.ID())
		fmt.Fprintln(a.out, "yours:")
		printTask(a.out, local)
		fmt.Fprintln(a.out, "server:")
		printTask(a.out, server)

		choice := a.onConflict
		if choice == "prompt" {
			var err error
			if choice, err = a.ask("[o]verwrite, [m]erge or [c]ancel? ", map[string]string{
				"o": "overwrite", "overwrite": "overwrite",
				"m": "merge", "merge": "merge",
				"c": "cancel", "cancel": "cancel",
			}, "cancel"); err != nil {
				return err
			}
		}

		var err error
		switch choice {
		case "overwrite":
			err = e.Overwrite(ctx)
		case "merge":
			var opts client.MergeOptions
			if opts, err = a.mergeOptions(local, server); err == nil {
				err = e.Merge(ctx, opts)
			}
		default:
			return e.Cancel()
		}
		if err == nil {
			return nil
		}
		if e.State() != client.Conflicted {
			return err
		}
		if a.onConflict != "prompt" {
			_ = e.Cancel()
			return err
		}
		fmt.Fprintf(a.out, "resolution rejected: %v\n", err)
	}
}

func (a *app) mergeOptions(local, server domain.Task) (client.MergeOptions, error) {
	strategy, err := client.ParseMergeStrategy(a.strategy)
	if err != nil {
		return client.MergeOptions{}, err
	}
	opts := client.MergeOptions{Strategy: strategy}
	if strategy != client.ManualFieldPicker {
		return opts, nil
	}
	if opts.Picks, err = parsePicks(a.picks); err != nil {
		return client.MergeOptions{}, err
	}
	if len(opts.Picks) > 0 || a.onConflict != "prompt" {
		return opts, nil
	}
	opts.Picks = make(map[client.Field]client.Side)
	for _, f := range mergeFields {
		lv, sv := fieldValue(local, f), fieldValue(server, f)
		if lv == sv {
			continue
		}
		side, err := a.ask(fmt.Sprintf("%s: [l]ocal %q or [s]erver %q? ", f, lv, sv), map[string]string{
			"l": "local", "local": "local",
			"s": "server", "server": "server",
		}, "server")
		if err != nil {
			return client.MergeOptions{}, err
		}
		if side == "local" {
			opts.Picks[f] = client.SideLocal
		}
	}
	return opts, nil
}

// parsePicks reads field=local|server pairs.
func parsePicks(raw []string) (map[client.Field]client.Side, error) {
	picks := make(map[client.Field]client.Side)
	for _, item := range raw {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("bad pick %q, want field=local|server", item)
		}
		f, err := parseField(k)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "local":
			picks[f] = client.SideLocal
		case "server":
			picks[f] = client.SideServer
		default:
			return nil, fmt.Errorf("bad side %q for %s", v, f)
		}
	}
	return picks, nil
}

func parseField(s string) (client.Field, error) {
	s = strings.TrimSpace(s)
	for _, f := range mergeFields {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	if strings.EqualFold(s, "assignee") {
		return client.FieldAssignee, nil
	}
	return "", fmt.Errorf("unknown field %q", s)
}

func fieldValue(t domain.Task, f client.Field) string {
	switch f {
	case client.FieldTitle:
		return t.Title
	case client.FieldDescription:
		return t.Description
	case client.FieldStatus:
		return string(t.Status)
	case client.FieldPriority:
		return string(t.Priority)
	default:
		return t.AssignedUser
	}
}

// ask prints prompt and maps the answer through choices. Input that ends
// picks def.
func (a *app) ask(prompt string, choices map[string]string, def string) (string, error) {
	if a.reader == nil {
		a.reader = bufio.NewReader(a.in)
	}
	for {
		fmt.Fprint(a.out, prompt)
		line, err := a.reader.ReadString('\n')
		if v, ok := choices[strings.ToLower(strings.TrimSpace(line))]; ok {
			return v, nil
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(a.out)
			return def, nil
		}
		if err != nil {
			return "", err
		}
	}
}
