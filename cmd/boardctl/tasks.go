package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"taskboard/client"
	"taskboard/domain"
)

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the board by column",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, _, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			printBoard(a.out, rec.Board())
			return nil
		},
	}
}

func (a *app) createCmd() *cobra.Command {
	var in domain.NewTask
	var status, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if status != "" {
				if in.Status, err = parseStatus(status); err != nil {
					return err
				}
			}
			if priority != "" {
				if in.Priority, err = parsePriority(priority); err != nil {
					return err
				}
			}
			rec, _, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			task, err := rec.Create(cmd.Context(), in)
			if err != nil {
				return err
			}
			printTask(a.out, task)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in.Title, "title", "t", "", "task title")
	cmd.Flags().StringVarP(&in.Description, "description", "d", "", "task description")
	cmd.Flags().StringVar(&status, "status", "", "initial column")
	cmd.Flags().StringVar(&priority, "priority", "", "Low, Medium or High")
	cmd.Flags().StringVar(&in.AssignedUser, "assignee", "", "user id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (a *app) editCmd() *cobra.Command {
	var title, description, status, priority, assignee string
	var unassign bool
	cmd := &cobra.Command{
		Use:   "edit <task-id>",
		Short: "Change fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p domain.Patch
			flags := cmd.Flags()
			if flags.Changed("title") {
				p.Title = &title
			}
			if flags.Changed("description") {
				p.Description = &description
			}
			if flags.Changed("status") {
				s, err := parseStatus(status)
				if err != nil {
					return err
				}
				p.Status = &s
			}
			if flags.Changed("priority") {
				pr, err := parsePriority(priority)
				if err != nil {
					return err
				}
				p.Priority = &pr
			}
			switch {
			case unassign && flags.Changed("assignee"):
				return errors.New("--assignee and --unassign are exclusive")
			case unassign:
				p.AssignedUser = domain.Unassign()
			case flags.Changed("assignee"):
				p.AssignedUser = domain.AssignTo(assignee)
			}
			if p.Empty() {
				return errors.New("nothing to change")
			}
			return a.runEdit(cmd, args[0], func(rec *client.Reconciler) (*client.Edit, error) {
				return rec.Edit(cmd.Context(), args[0], p)
			})
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new column")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assign to this user id")
	cmd.Flags().BoolVar(&unassign, "unassign", false, "clear the assignee")
	return cmd
}

func (a *app) moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id> <status>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			return a.runEdit(cmd, args[0], func(rec *client.Reconciler) (*client.Edit, error) {
				return rec.Move(cmd.Context(), args[0], to)
			})
		},
	}
}

func (a *app) assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <user-id>",
		Short: "Assign a task to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEdit(cmd, args[0], func(rec *client.Reconciler) (*client.Edit, error) {
				return rec.Assign(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func (a *app) smartAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smart-assign <task-id>",
		Short: "Assign a task to the user with the fewest open tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, _, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			task, err := rec.SmartAssign(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(a.out, task)
			return nil
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, _, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			if err := rec.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) actionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Show the recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actions, err := a.transport().Actions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printActions(a.out, actions)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the board until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t := a.transport()
			b := client.NewBoard(t)
			l := client.NewListener(t, b, a.log)
			l.OnTasks = func([]domain.Task) {
				fmt.Fprintln(a.out, "---")
				printBoard(a.out, b)
			}
			l.OnActions = func() {
				actions, err := t.Actions(ctx, 1)
				if err != nil {
					a.log.WithError(err).Warn("load actions")
					return
				}
				printActions(a.out, actions)
			}
			return l.Run(ctx)
		},
	}
}

// runEdit loads the board, starts the edit and settles a conflict the way
// --on-conflict asks.
func (a *app) runEdit(cmd *cobra.Command, id string, start func(*client.Reconciler) (*client.Edit, error)) error {
	rec, _, err := a.session(cmd.Context())
	if err != nil {
		return err
	}
	e, err := start(rec)
	if err != nil {
		return err
	}
	if e.State() == client.Conflicted {
		if err := a.resolve(cmd.Context(), e); err != nil {
			return err
		}
	}
	if e.State() == client.Idle {
		task, _ := rec.Board().Task(id)
		fmt.Fprintln(a.out, "edit cancelled, the board keeps:")
		printTask(a.out, task)
		return nil
	}
	printTask(a.out, e.Result())
	return nil
}

func printBoard(w io.Writer, b *client.Board) {
	for _, s := range domain.Statuses {
		tasks := b.Column(s)
		fmt.Fprintf(w, "%s (%d)\n", s, len(tasks))
		for _, t := range tasks {
			fmt.Fprintf(w, "  %s  %-30s %-6s %s\n", t.ID, t.Title, t.Priority, t.AssignedUser)
		}
	}
}

func printTask(w io.Writer, t domain.Task) {
	fmt.Fprintf(w, "%s  %q\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(w, "  description: %s\n", t.Description)
	}
	assignee := t.AssignedUser
	if assignee == "" {
		assignee = "-"
	}
	fmt.Fprintf(w, "  status: %s  priority: %s  assignee: %s  version: %d\n", t.Status, t.Priority, assignee, t.Version)
}

func printActions(w io.Writer, actions []domain.ActionView) {
	for _, v := range actions {
		who := v.Actor.Username
		if who == "" {
			who = v.Actor.ID
		}
		fmt.Fprintf(w, "%s  %-12s %-10s %q %s\n", v.Timestamp.Format("2006-01-02 15:04:05"), v.Verb, who, v.Task.Title, v.Detail)
	}
}

// parseStatus accepts a column name ignoring case, spaces, dashes and underscores.
func parseStatus(s string) (domain.Status, error) {
	key := foldName(s)
	for _, st := range domain.Statuses {
		if foldName(string(st)) == key {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func parsePriority(s string) (domain.Priority, error) {
	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh} {
		if strings.EqualFold(s, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

func foldName(s string) string {
	return strings.ToLower(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s))
}
