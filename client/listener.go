package client

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/notify"
)

// Streamer opens the signal stream of a board. HTTPTransport implements it.
type Streamer interface {
	OpenStream(ctx context.Context) (io.ReadCloser, error)
}

// Listener keeps the local board fresh by pulling on every task-changed
// signal. Signals carry no state, so a lost signal only delays a refresh and
// a reconnect always pulls once.
type Listener struct {
	stream Streamer
	board  *Board
	log    log.FieldLogger
	retry  time.Duration

	// OnTasks runs after each refresh with the new task list.
	OnTasks func([]domain.Task)
	// OnActions runs for each action-changed signal.
	OnActions func()
}

func NewListener(s Streamer, b *Board, logger log.FieldLogger) *Listener {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Listener{stream: s, board: b, log: logger, retry: time.Second}
}

// Run listens until ctx ends, reconnecting after stream failures. It returns
// nil once ctx is done, which is how callers release the subscription.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.log.WithError(err).Warn("signal stream lost")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	body, err := l.stream.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer body.Close()
	// signals sent while disconnected are gone
	l.refresh(ctx)

	sc := bufio.NewScanner(body)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event != "" {
				l.dispatch(ctx, notify.Kind(event))
			}
			event = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func (l *Listener) dispatch(ctx context.Context, kind notify.Kind) {
	switch kind {
	case notify.TaskChanged:
		l.refresh(ctx)
	case notify.ActionChanged:
		if l.OnActions != nil {
			l.OnActions()
		}
	default:
		l.log.WithField("kind", kind).Debug("ignoring unknown signal")
	}
}

func (l *Listener) refresh(ctx context.Context) {
	if err := l.board.Refresh(ctx); err != nil {
		l.log.WithError(err).Warn("refresh board")
		return
	}
	if l.OnTasks != nil {
		l.OnTasks(l.board.Tasks())
	}
}
