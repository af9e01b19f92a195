// Command boardctl works with a shared board from the terminal. Edits go
// through the same optimistic flow as any other client: conflicts are
// detected by the server and resolved here.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/client"
)

var Version = "dev"

type app struct {
	server     string
	token      string
	board      string
	onConflict string
	strategy   string
	picks      []string
	verbose    bool

	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
	log    *log.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{in: in, out: out, log: log.New()}
	rootCmd := &cobra.Command{
		Use:           "boardctl",
		Short:         "Work with a shared task board",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.log.SetOutput(cmd.ErrOrStderr())
			if a.verbose {
				a.log.SetLevel(log.DebugLevel)
			} else {
				a.log.SetLevel(log.WarnLevel)
			}
			switch a.onConflict {
			case "prompt", "overwrite", "merge", "cancel":
			default:
				return fmt.Errorf("--on-conflict must be prompt, overwrite, merge or cancel, got %q", a.onConflict)
			}
			_, err := client.ParseMergeStrategy(a.strategy)
			return err
		},
	}
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.server, "server", envOr("BOARD_SERVER", "http://localhost:8080"), "board API base URL")
	pf.StringVar(&a.token, "token", os.Getenv("BOARD_TOKEN"), "bearer token")
	pf.StringVar(&a.board, "board", envOr("BOARD_ID", "main-board"), "board id")
	pf.StringVar(&a.onConflict, "on-conflict", "prompt", "conflict resolution: prompt, overwrite, merge or cancel")
	pf.StringVar(&a.strategy, "merge-strategy", string(client.ConcatenateText), "merge strategy used by merge resolutions")
	pf.StringSliceVar(&a.picks, "pick", nil, "field=local|server choices for the manualFieldPicker strategy")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		a.listCmd(),
		a.createCmd(),
		a.editCmd(),
		a.moveCmd(),
		a.assignCmd(),
		a.smartAssignCmd(),
		a.deleteCmd(),
		a.actionsCmd(),
		a.watchCmd(),
		a.tokenCmd(),
	)
	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (a *app) transport() *client.HTTPTransport {
	return client.NewHTTPTransport(client.HTTPConfig{
		BaseURL: a.server,
		Token:   a.token,
		BoardID: a.board,
		Logger:  a.log,
	})
}

// session connects and loads the board.
func (a *app) session(ctx context.Context) (*client.Reconciler, *client.HTTPTransport, error) {
	t := a.transport()
	b := client.NewBoard(t)
	if err := b.Refresh(ctx); err != nil {
		return nil, nil, fmt.Errorf("load board: %w", err)
	}
	return client.NewReconciler(b, t, a.log), t, nil
}
