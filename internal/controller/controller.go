// Package controller is the interactive shell: it keeps the executor pool
// at its desired size, reads commands and feeds the queue.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/pflag"

	"keepsake/internal/command"
	"keepsake/internal/queue"
)

const prompt = "keepsake> "

// LineReader is the line editor the shell reads from.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

type Config struct {
	Queue          *queue.Coordinator
	Catalog        command.Catalog
	Allocator      command.Allocator
	Reader         LineReader
	Out            io.Writer
	StatusInterval time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

type Controller struct {
	cfg        Config
	lastStatus time.Time
}

func New(cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	return &Controller{cfg: cfg}
}

// Run reads commands until exit, end of input or ctx is done, then drains
// the queue.
func (c *Controller) Run(ctx context.Context) error {
	c.cfg.Reader.SetPrompt(prompt)
	for ctx.Err() == nil {
		c.cfg.Queue.Maintain()
		c.maybeStatus()
		line, err := c.cfg.Reader.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				c.printf("read error: %v\n", err)
			}
			break
		}
		if c.Execute(ctx, line) {
			break
		}
	}
	c.printf("waiting for running actions to finish...\n")
	return c.cfg.Queue.Exit(context.WithoutCancel(ctx))
}

func (c *Controller) printf(format string, args ...any) {
	fmt.Fprintf(c.cfg.Out, format, args...)
}

func (c *Controller) maybeStatus() {
	if c.cfg.StatusInterval <= 0 {
		return
	}
	now := c.cfg.Now()
	if !c.lastStatus.IsZero() && now.Sub(c.lastStatus) < c.cfg.StatusInterval {
		return
	}
	c.lastStatus = now
	c.printf("%s\n", statusLine(c.cfg.Queue.Counts(), c.cfg.Queue.AverageCompletionTime()))
}

func statusLine(n queue.Counts, avg time.Duration) string {
	return fmt.Sprintf("queued %d, running %d, done %d (%d failed), executors %d/%d, avg %s",
		n.Pending, n.Running, n.Completed, n.Failed, n.Executors, n.PoolSize, avg.Round(time.Millisecond))
}

// Execute runs one command line and reports whether the shell should exit.
func (c *Controller) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]
	c.cfg.Logger.Debug("shell command", "command", name, "args", len(args))
	switch name {
	case "exit", "quit":
		return true
	case "help":
		c.help()
	case "add":
		c.add(ctx, args)
	case "list-devices":
		c.run(ctx, &command.ListDevices{Catalog: c.cfg.Catalog})
	case "reorder":
		c.reorder(args)
	case "dequeue":
		c.dequeue(args)
	case "clear":
		n, err := c.cfg.Queue.ClearCompleted()
		if err != nil {
			c.printf("error: %v\n", err)
			return false
		}
		c.printf("cleared %d completed action(s)\n", n)
	case "status":
		c.status()
	case "messages":
		for _, m := range c.cfg.Queue.Messages() {
			c.printf("%s\n", m)
		}
	case "set_thread_count":
		c.setThreadCount(args)
	default:
		c.printf("unknown command %q, try help\n", name)
	}
	return false
}

func (c *Controller) help() {
	c.printf(`commands:
  add --file PATH | --folder PATH [--device NAME]   queue a backup
  list-devices                                      show registered devices
  reorder POSITIONS top|bottom|N                    move queued actions (e.g. 1,3-5)
  dequeue POSITIONS                                 drop queued actions
  clear                                             forget completed actions
  status                                            show the queue
  messages                                          show logs of completed actions
  set_thread_count N                                resize the executor pool
  exit                                              wait for running actions and quit
`)
}

func (c *Controller) add(ctx context.Context, args []string) {
	fs := pflag.NewFlagSet("add", pflag.ContinueOnError)
	fs.SetOutput(c.cfg.Out)
	var files, folders, devices []string
	fs.StringArrayVar(&files, "file", nil, "file to back up")
	fs.StringArrayVar(&folders, "folder", nil, "folder to back up")
	fs.StringArrayVar(&devices, "device", nil, "device name or mount path")
	if err := fs.Parse(args); err != nil {
		return
	}
	if fs.NArg() > 0 {
		c.printf("error: unexpected arguments %v\n", fs.Args())
		return
	}
	c.run(ctx, &command.Add{
		Files:     files,
		Folders:   folders,
		Devices:   devices,
		Allocator: c.cfg.Allocator,
		Catalog:   c.cfg.Catalog,
		Prompter:  c,
	})
}

// run validates cmd, reports its outcome and queues its actions.
func (c *Controller) run(ctx context.Context, cmd command.Command) {
	cmd.Validate(ctx)
	actions := cmd.Actions(ctx)
	for _, e := range cmd.Errors() {
		c.printf("error: %s\n", e)
	}
	for _, m := range cmd.Messages() {
		c.printf("%s\n", m)
	}
	if len(actions) > 0 {
		c.cfg.Queue.Enqueue(actions...)
	}
}

// Confirm asks a yes/no question on the same line reader.
func (c *Controller) Confirm(question string) (bool, error) {
	c.cfg.Reader.SetPrompt(question + " [y/N] ")
	defer c.cfg.Reader.SetPrompt(prompt)
	answer, err := c.cfg.Reader.Readline()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (c *Controller) reorder(args []string) {
	if len(args) != 2 {
		c.printf("usage: reorder POSITIONS top|bottom|N\n")
		return
	}
	positions, err := queue.ExpandRanges(args[0])
	if err != nil {
		c.printf("error: %v\n", err)
		return
	}
	if err := c.cfg.Queue.Reorder(positions, args[1]); err != nil {
		c.printf("error: %v\n", err)
		return
	}
	c.printf("moved %d action(s)\n", len(positions))
}

func (c *Controller) dequeue(args []string) {
	if len(args) != 1 {
		c.printf("usage: dequeue POSITIONS\n")
		return
	}
	positions, err := queue.ExpandRanges(args[0])
	if err != nil {
		c.printf("error: %v\n", err)
		return
	}
	removed, err := c.cfg.Queue.Dequeue(positions)
	if err != nil {
		c.printf("error: %v\n", err)
		return
	}
	for _, a := range removed {
		c.printf("removed %s\n", a.Name())
	}
}

func (c *Controller) setThreadCount(args []string) {
	if len(args) != 1 {
		c.printf("usage: set_thread_count N\n")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		c.printf("error: %q is not a valid thread count\n", args[0])
		return
	}
	if err := c.cfg.Queue.SetPoolSize(n); err != nil {
		c.printf("error: %v\n", err)
		return
	}
	c.printf("pool size set to %d\n", n)
}

func (c *Controller) status() {
	snap := c.cfg.Queue.Snapshot()
	c.printf("%s\n", statusLine(snap.Counts, snap.AverageCompletionTime))
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "STATE", "ACTION", "TOOK"})
	for _, it := range snap.Running {
		t.AppendRow(table.Row{"-", it.State, it.Name, ""})
	}
	for _, it := range snap.Pending {
		t.AppendRow(table.Row{it.Position, it.State, it.Name, ""})
	}
	for _, it := range snap.Completed {
		t.AppendRow(table.Row{"-", it.State, it.Name, it.Duration.Round(time.Millisecond).String()})
	}
	c.printf("%s\n", t.Render())
}
