package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mossy-p/voice-call/internal/call"
	"github.com/mossy-p/voice-call/internal/ui"
)

// The headless bar lives on a virtual screen.
var (
	viewport = ui.Size{W: 1280, H: 720}
	barSize  = ui.Size{W: 320, H: 48}
)

var errQuit = errors.New("quit")

type controls interface {
	ToggleMute(ctx context.Context) (bool, error)
	Leave(ctx context.Context) error
	Roster() []call.RosterEntry
	Snapshot() call.Session
}

type barControls interface {
	Minimize()
	Expand()
}

// console maps stdin lines onto call and bar actions.
type console struct {
	ctl   controls
	bar   barControls
	float *ui.FloatBar
	out   io.Writer
}

func newConsole(ctl controls, bar barControls, out io.Writer) *console {
	f := ui.NewFloatBar()
	f.Place(viewport, barSize)
	return &console{ctl: ctl, bar: bar, float: f, out: out}
}

// Run executes commands until q, end of input or ctx is done. Leaving the
// call is left to the caller's Close when the context ends first.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "m", "mute":
		muted, err := c.ctl.ToggleMute(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "muted=%t\n", muted)
	case "min":
		c.bar.Minimize()
	case "max":
		c.bar.Expand()
	case "drag":
		if len(fields) != 3 {
			return errors.New("usage: drag DX DY")
		}
		dx, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("drag: %w", err)
		}
		dy, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("drag: %w", err)
		}
		p := c.drag(dx, dy)
		fmt.Fprintf(c.out, "bar at %.0f,%.0f\n", p.X, p.Y)
	case "who":
		s := c.ctl.Snapshot()
		fmt.Fprintf(c.out, "%s %s %s\n", s.State, s.RoomID, ui.FormatDuration(s.DurationSeconds))
		for _, p := range c.ctl.Roster() {
			fmt.Fprintf(c.out, "  %s%s\n", p.Username, rosterTags(p))
		}
	case "q", "quit":
		if err := c.ctl.Leave(ctx); err != nil && !errors.Is(err, call.ErrInvalidTransition) {
			return err
		}
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

// drag grabs the bar at its top-left corner and moves the pointer by dx, dy.
func (c *console) drag(dx, dy float64) ui.Point {
	start := c.float.Position()
	c.float.PointerDown(ui.PointerMouse, start)
	p := c.float.PointerMove(ui.PointerMouse, ui.Point{X: start.X + dx, Y: start.Y + dy})
	c.float.PointerUp(ui.PointerMouse)
	return p
}

func rosterTags(p call.RosterEntry) string {
	var tags []string
	if p.IsMuted {
		tags = append(tags, "muted")
	}
	if p.IsSpeaking {
		tags = append(tags, "speaking")
	}
	if !p.Connected {
		tags = append(tags, "connecting")
	}
	if len(tags) == 0 {
		return ""
	}
	return " (" + strings.Join(tags, ", ") + ")"
}
