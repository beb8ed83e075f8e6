// Package proto is the line protocol between a host and the servo firmware.
//
// Each request is one ASCII line, each reply is "ok" or "err <message>":
//
//	C <timer> <channel> <ticks>   set a compare register
//	S <timer> <channel>           sweep one channel
//	A                             sweep every channel of the table
//	Z                             center every servo
//	H                             list commands
package proto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Op codes.
const (
	OpCompare  byte = 'C'
	OpSweep    byte = 'S'
	OpSweepAll byte = 'A'
	OpCenter   byte = 'Z'
	OpHelp     byte = 'H'
)

// MaxLineLen bounds a request line; longer input is discarded.
const MaxLineLen = 64

// Command is one decoded request.
type Command struct {
	Op      byte
	Timer   int
	Channel int
	Ticks   uint32
}

// Compare builds a compare-register command.
func Compare(timer, channel int, ticks uint32) Command {
	return Command{Op: OpCompare, Timer: timer, Channel: channel, Ticks: ticks}
}

// Encode returns the request line, newline included.
func (c Command) Encode() string {
	switch c.Op {
	case OpCompare:
		return fmt.Sprintf("C %d %d %d\n", c.Timer, c.Channel, c.Ticks)
	case OpSweep:
		return fmt.Sprintf("S %d %d\n", c.Timer, c.Channel)
	default:
		return string(c.Op) + "\n"
	}
}

// Parse decodes one request line (without its newline).
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields[0]) != 1 {
		return Command{}, fmt.Errorf("empty or malformed command %q", line)
	}

	cmd := Command{Op: fields[0][0]}
	args := fields[1:]

	want := 0
	switch cmd.Op {
	case OpCompare:
		want = 3
	case OpSweep:
		want = 2
	case OpSweepAll, OpCenter, OpHelp:
	default:
		return Command{}, fmt.Errorf("unknown command %q", fields[0])
	}
	if len(args) != want {
		return Command{}, fmt.Errorf("command %c takes %d arguments, got %d", cmd.Op, want, len(args))
	}

	if want >= 2 {
		t, err := strconv.Atoi(args[0])
		if err != nil || t <= 0 {
			return Command{}, fmt.Errorf("invalid timer %q", args[0])
		}
		ch, err := strconv.Atoi(args[1])
		if err != nil || ch <= 0 {
			return Command{}, fmt.Errorf("invalid channel %q", args[1])
		}
		cmd.Timer, cmd.Channel = t, ch
	}
	if want == 3 {
		v, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return Command{}, fmt.Errorf("invalid ticks %q", args[2])
		}
		cmd.Ticks = uint32(v)
	}
	return cmd, nil
}

// Reply lines.
const replyOK = "ok"

// ErrRemote is wrapped by errors reported by the other end.
var ErrRemote = errors.New("remote error")

// EncodeReply returns the reply line for err.
func EncodeReply(err error) string {
	if err == nil {
		return replyOK + "\n"
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	return "err " + msg + "\n"
}

// ParseReply decodes a reply line; a remote failure wraps ErrRemote.
func ParseReply(line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == replyOK:
		return nil
	case strings.HasPrefix(line, "err"):
		return fmt.Errorf("%w: %s", ErrRemote, strings.TrimSpace(strings.TrimPrefix(line, "err")))
	default:
		return fmt.Errorf("unexpected reply %q", line)
	}
}

// Handler executes decoded commands.
type Handler interface {
	Compare(timer, channel int, ticks uint32) error
	Sweep(ctx context.Context, timer, channel int) error
	SweepAll(ctx context.Context) error
	Center() error
}

// ByteReader is the input side of a serial link.
type ByteReader interface {
	ReadByte() (byte, error)
}

// Serve reads commands from r until ctx is done or r returns io.EOF,
// runs them on h and writes one reply per line to w.
// Read errors other than io.EOF (e.g. "no byte available" on a UART) are retried.
func Serve(ctx context.Context, r ByteReader, w io.Writer, h Handler) error {
	var buf []byte
	overflow := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := r.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			continue
		}

		if b == '\r' {
			continue
		}
		if b != '\n' {
			if len(buf) >= MaxLineLen {
				overflow = true
				continue
			}
			buf = append(buf, b)
			continue
		}

		line := string(buf)
		buf = buf[:0]
		if overflow {
			overflow = false
			if _, err := io.WriteString(w, EncodeReply(errors.New("line too long"))); err != nil {
				return err
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		if _, err := io.WriteString(w, dispatch(ctx, line, w, h)); err != nil {
			return err
		}
	}
}

func dispatch(ctx context.Context, line string, w io.Writer, h Handler) string {
	cmd, err := Parse(line)
	if err != nil {
		return EncodeReply(err)
	}
	switch cmd.Op {
	case OpCompare:
		err = h.Compare(cmd.Timer, cmd.Channel, cmd.Ticks)
	case OpSweep:
		err = h.Sweep(ctx, cmd.Timer, cmd.Channel)
	case OpSweepAll:
		err = h.SweepAll(ctx)
	case OpCenter:
		err = h.Center()
	case OpHelp:
		_, err = io.WriteString(w, "C <timer> <channel> <ticks>: set compare register\n"+
			"S <timer> <channel>: sweep one channel\n"+
			"A: sweep all channels\n"+
			"Z: center all servos\n")
	}
	return EncodeReply(err)
}
