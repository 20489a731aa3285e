package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/auctionsync/errs"
	"github.com/coachpo/auctionsync/internal/app/session"
)

type commandKind int

const (
	cmdBid commandKind = iota + 1
	cmdStart
	cmdStop
	cmdQuit
	cmdHelp
	cmdLog
)

type command struct {
	kind   commandKind
	amount decimal.Decimal
}

const helpText = "commands: bid <amount> | start | stop | log | help | quit"

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errors.New("empty command")
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]
	switch name {
	case "bid", "b":
		if len(args) != 1 {
			return command{}, errors.New("usage: bid <amount>")
		}
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return command{}, fmt.Errorf("invalid amount %q", args[0])
		}
		return command{kind: cmdBid, amount: amount}, nil
	case "start":
		return command{kind: cmdStart}, nil
	case "stop":
		return command{kind: cmdStop}, nil
	case "log":
		return command{kind: cmdLog}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "exit", "q":
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("unknown command %q", name)
}

// actions is the part of a session the prompt drives.
type actions interface {
	PlaceBid(ctx context.Context, amount decimal.Decimal) error
	StartAuction(ctx context.Context) error
	StopAuction(ctx context.Context) error
	Log() []string
}

var _ actions = (*session.Session)(nil)

// scanLines forwards input lines until EOF or until ctx ends and nobody is reading anymore.
func scanLines(ctx context.Context, in io.Reader, lines chan<- string) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// repl executes prompt commands until quit, end of input or ctx ends.
func repl(ctx context.Context, sess actions, lines <-chan string, quit context.CancelFunc, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !execute(ctx, sess, line, out) {
				quit()
				return
			}
		}
	}
}

// execute runs one command line and reports whether the prompt should continue.
func execute(ctx context.Context, sess actions, line string, out io.Writer) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		fmt.Fprintln(out, err)
		return true
	}
	switch cmd.kind {
	case cmdBid:
		err = sess.PlaceBid(ctx, cmd.amount)
	case cmdStart:
		err = sess.StartAuction(ctx)
	case cmdStop:
		err = sess.StopAuction(ctx)
	case cmdLog:
		for _, l := range sess.Log() {
			fmt.Fprintln(out, l)
		}
	case cmdHelp:
		fmt.Fprintln(out, helpText)
	case cmdQuit:
		return false
	}
	if err != nil {
		fmt.Fprintln(out, "error:", userMessage(err))
	}
	return true
}

func userMessage(err error) string {
	var e *errs.E
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return err.Error()
}
