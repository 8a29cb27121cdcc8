// ABOUTME: Operator command dispatcher and line-oriented console loop.
// ABOUTME: Parses commands, checks the registry and relays requests to agents.

package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fleet-manager/internal/health"
	"github.com/2389/fleet-manager/internal/metrics"
	"github.com/2389/fleet-manager/internal/protocol"
)

// Dispatch errors.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("invalid usage")
	ErrNotConnected   = errors.New("agent is not connected")

	// ErrExit is returned by Execute for exit and quit.
	ErrExit = errors.New("console exit")
)

const helpText = `Commands:
  discover                          broadcast a discovery announcement
  list                              check agents and list the connected ones
  start <agent>                     start an agent
  stop <agent>                      stop an agent
  filter <agent> get                show an agent's filter
  filter <agent> set <filter...>    replace an agent's filter
  proc <agent> get                  show and record an agent's monitored processes
  proc <agent> add <name>           monitor a process
  proc <agent> del <name>           stop monitoring a process
  status                            show registry and health loop state
  help                              show this help
  exit | quit                       stop the manager
`

// Agents is the registry view the dispatcher needs.
type Agents interface {
	IsConnected(name string) bool
	List() []string
	RemoteAddress(name string) (string, error)
	Request(ctx context.Context, name string, req protocol.Request) (*protocol.Response, error)
}

// Announcer broadcasts discovery announcements.
type Announcer interface {
	Announce(ctx context.Context, serverPort int)
}

// Reconciler runs health cycles and records process reports.
type Reconciler interface {
	RunCycle(ctx context.Context) (*health.CycleResult, error)
	LastCycle() *health.CycleResult
	ApplyReport(ctx context.Context, agent string, report map[string]bool) (health.ReportResult, error)
}

// Config holds the dispatcher's collaborators. Announcer and Reconciler
// may be nil; the commands that need them then report an error.
type Config struct {
	Agents     Agents
	Announcer  Announcer
	Reconciler Reconciler
	ServerPort int
	Out        io.Writer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Dispatcher executes operator commands.
type Dispatcher struct {
	agents     Agents
	announcer  Announcer
	reconciler Reconciler
	serverPort int
	out        io.Writer
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ok   *color.Color
	warn *color.Color
	fail *color.Color
	dim  *color.Color
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		agents:     cfg.Agents,
		announcer:  cfg.Announcer,
		reconciler: cfg.Reconciler,
		serverPort: cfg.ServerPort,
		out:        cfg.Out,
		logger:     logger.With("component", "console"),
		metrics:    cfg.Metrics,
		ok:         color.New(color.FgGreen),
		warn:       color.New(color.FgYellow),
		fail:       color.New(color.FgRed),
		dim:        color.New(color.FgHiBlack),
	}
}

// Run reads commands from in until EOF, exit, or ctx cancellation. Command
// errors are printed and do not stop the loop.
func (d *Dispatcher) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		d.dim.Fprint(d.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("reading console input: %w", err)
			}
			return nil
		case line := <-lines:
			err := d.Execute(ctx, line)
			if errors.Is(err, ErrExit) {
				return nil
			}
			if err != nil {
				d.fail.Fprintf(d.out, "error: %v\n", err)
			}
		}
	}
}

// Execute runs one command line.
func (d *Dispatcher) Execute(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd := args[0]

	err := d.execute(ctx, cmd, args[1:])
	result := "ok"
	switch {
	case errors.Is(err, ErrExit):
	case errors.Is(err, ErrUnknownCommand):
		cmd, result = "unknown", "error"
	case err != nil:
		result = "error"
	}
	d.metrics.ObserveCommand(cmd, result)
	return err
}

func (d *Dispatcher) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Fprint(d.out, helpText)
		return nil
	case "discover":
		return d.discover(ctx)
	case "list":
		return d.list(ctx)
	case "status":
		return d.status()
	case "exit", "quit":
		return ErrExit
	case "start", "stop":
		if len(args) != 1 {
			return fmt.Errorf("%w: %s <agent>", ErrUsage, cmd)
		}
		if err := d.requireConnected(args[0]); err != nil {
			return err
		}
		return d.startStop(ctx, cmd, args[0])
	case "filter":
		if len(args) < 2 {
			return fmt.Errorf("%w: filter <agent> get|set <filter...>", ErrUsage)
		}
		if err := d.requireConnected(args[0]); err != nil {
			return err
		}
		return d.filter(ctx, args[0], args[1], args[2:])
	case "proc":
		if len(args) < 2 {
			return fmt.Errorf("%w: proc <agent> get|add <name>|del <name>", ErrUsage)
		}
		if err := d.requireConnected(args[0]); err != nil {
			return err
		}
		return d.proc(ctx, args[0], args[1], args[2:])
	default:
		return fmt.Errorf("%w: %q (try help)", ErrUnknownCommand, cmd)
	}
}

func (d *Dispatcher) requireConnected(name string) error {
	if !d.agents.IsConnected(name) {
		return fmt.Errorf("%w: %q", ErrNotConnected, name)
	}
	return nil
}

func (d *Dispatcher) discover(ctx context.Context) error {
	if d.announcer == nil {
		return errors.New("discovery is not available")
	}
	d.announcer.Announce(ctx, d.serverPort)
	d.ok.Fprintf(d.out, "discovery announcement sent for port %d\n", d.serverPort)
	return nil
}

func (d *Dispatcher) list(ctx context.Context) error {
	if d.reconciler != nil {
		if _, err := d.reconciler.RunCycle(ctx); err != nil {
			return fmt.Errorf("checking agents: %w", err)
		}
	}

	names := d.agents.List()
	if len(names) == 0 {
		d.warn.Fprintln(d.out, "no agents connected")
		return nil
	}
	n := 0
	for _, name := range names {
		addr, err := d.agents.RemoteAddress(name)
		if err != nil {
			// Removed since the snapshot was taken.
			continue
		}
		n++
		fmt.Fprintf(d.out, "%d. %s ", n, name)
		d.dim.Fprintf(d.out, "(%s)\n", addr)
	}
	return nil
}

func (d *Dispatcher) status() error {
	fmt.Fprintf(d.out, "connected agents: %d\n", len(d.agents.List()))
	if d.reconciler == nil {
		return nil
	}
	last := d.reconciler.LastCycle()
	if last == nil {
		d.dim.Fprintln(d.out, "no health cycle has completed yet")
		return nil
	}
	fmt.Fprintf(d.out, "last health cycle at %s (took %s): %d alive, %d evicted, %d processes upserted, %d unmonitored",
		last.Started.Format("15:04:05"), last.Duration.Round(time.Millisecond),
		len(last.Alive), len(last.Evicted), last.ProcessesUpserted, last.ProcessesUnmonitored)
	if last.PersistenceErrors > 0 {
		d.warn.Fprintf(d.out, ", %d persistence errors", last.PersistenceErrors)
	}
	fmt.Fprintln(d.out)
	return nil
}

func (d *Dispatcher) startStop(ctx context.Context, cmd, name string) error {
	req := protocol.Start()
	if cmd == "stop" {
		req = protocol.Stop()
	}
	resp, err := d.request(ctx, name, req)
	if err != nil {
		return err
	}
	// Any well-formed reply acknowledges the command.
	d.ok.Fprintf(d.out, "agent %q: %s\n", name, resp.Text())
	return nil
}

func (d *Dispatcher) filter(ctx context.Context, name, action string, rest []string) error {
	switch action {
	case protocol.ActionGet:
		resp, err := d.request(ctx, name, protocol.FilterGet())
		if err != nil {
			return err
		}
		current, err := resp.String()
		if err != nil {
			return d.explain(name, protocol.WithAgent(err, name))
		}
		fmt.Fprintf(d.out, "current agent %q filter: %q\n", name, current)
		return nil

	case protocol.ActionSet:
		if len(rest) == 0 {
			return fmt.Errorf("%w: no filter to set", ErrUsage)
		}
		resp, err := d.request(ctx, name, protocol.FilterSet(strings.Join(rest, " ")))
		if err != nil {
			return err
		}
		if err := resp.Expect(protocol.ReplyOK); err != nil {
			return d.explain(name, protocol.WithAgent(err, name))
		}
		d.ok.Fprintln(d.out, "filter changed")
		return nil

	default:
		return fmt.Errorf("%w: unknown filter action %q", ErrUsage, action)
	}
}

func (d *Dispatcher) proc(ctx context.Context, name, action string, rest []string) error {
	switch action {
	case protocol.ActionGet:
		if len(rest) != 0 {
			return fmt.Errorf("%w: proc <agent> get", ErrUsage)
		}
		return d.procGet(ctx, name)

	case protocol.ActionAdd, protocol.ActionDel:
		if len(rest) != 1 {
			return fmt.Errorf("%w: proc <agent> %s <name>", ErrUsage, action)
		}
		req := protocol.ProcAdd(rest[0])
		if action == protocol.ActionDel {
			req = protocol.ProcDel(rest[0])
		}
		resp, err := d.request(ctx, name, req)
		if err != nil {
			return err
		}
		if err := resp.Expect(protocol.ReplyOK); err != nil {
			return d.explain(name, protocol.WithAgent(err, name))
		}
		d.ok.Fprintf(d.out, "agent %q: %s %s ok\n", name, action, rest[0])
		return nil

	default:
		return fmt.Errorf("%w: unknown proc action %q", ErrUsage, action)
	}
}

func (d *Dispatcher) procGet(ctx context.Context, name string) error {
	resp, err := d.request(ctx, name, protocol.ProcGet())
	if err != nil {
		return err
	}
	procs, err := resp.Processes()
	if err != nil {
		return d.explain(name, protocol.WithAgent(err, name))
	}

	names := make([]string, 0, len(procs))
	for p := range procs {
		names = append(names, p)
	}
	sort.Strings(names)

	if len(names) == 0 {
		d.warn.Fprintf(d.out, "agent %q monitors no processes\n", name)
	}
	for _, p := range names {
		fmt.Fprintf(d.out, "  %s ", p)
		if procs[p] {
			d.ok.Fprintln(d.out, "running")
		} else {
			d.fail.Fprintln(d.out, "not running")
		}
	}

	if d.reconciler != nil {
		if _, err := d.reconciler.ApplyReport(ctx, name, procs); err != nil {
			d.logger.Warn("recording process report failed", "agent", name, "error", err)
			d.warn.Fprintln(d.out, "warning: process report was not fully recorded")
		}
	}
	return nil
}

func (d *Dispatcher) request(ctx context.Context, name string, req protocol.Request) (*protocol.Response, error) {
	resp, err := d.agents.Request(ctx, name, req)
	if err != nil {
		return nil, d.explain(name, err)
	}
	return resp, nil
}

// explain turns exchange failures into operator-facing errors.
func (d *Dispatcher) explain(name string, err error) error {
	switch {
	case errors.Is(err, protocol.ErrAgentNotFound):
		return fmt.Errorf("%w: %q", ErrNotConnected, name)
	case protocol.IsTransport(err):
		return fmt.Errorf("agent %q disconnected: %w", name, err)
	case protocol.IsProtocol(err):
		return fmt.Errorf("%w; try again", err)
	default:
		return err
	}
}
