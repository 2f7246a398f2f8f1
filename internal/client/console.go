package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Console is the client's keyboard and screen.
type Console interface {
	// ReadKey returns the next key press without blocking. ok is false if nothing
	// has been typed. io.EOF is returned once the input has ended.
	ReadKey() (key byte, ok bool, err error)
	io.Writer
}

// Terminal is a Console reading from a terminal in raw mode, so that single key
// presses are delivered without waiting for a newline. Input that isn't a terminal
// (a pipe, for example) is read as is.
type Terminal struct {
	in       *os.File
	out      io.Writer
	oldState *term.State

	keys chan byte
	// Closed by the reader once input has ended.
	eof  chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// NewTerminal switches in to raw mode (if it's a terminal) and starts reading keys
// from it in the background. Close must be called to restore the terminal.
func NewTerminal(in *os.File, out io.Writer) (*Terminal, error) {
	t := &Terminal{
		in:   in,
		out:  out,
		keys: make(chan byte, 256),
		eof:  make(chan struct{}),
		done: make(chan struct{}),
	}

	if fd := int(in.Fd()); term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("error switching terminal to raw mode: %w", err)
		}
		t.oldState = state
	}

	go t.readLoop()
	return t, nil
}

// The read blocks on the terminal and can't be interrupted, so after Close this
// goroutine lingers until the next key press or the process exits.
func (t *Terminal) readLoop() {
	defer close(t.eof)

	buf := make([]byte, 64)
	for {
		n, err := t.in.Read(buf)
		for _, b := range buf[:n] {
			select {
			case t.keys <- b:
			case <-t.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *Terminal) ReadKey() (byte, bool, error) {
	select {
	case key := <-t.keys:
		return key, true, nil
	default:
	}

	select {
	case <-t.eof:
		// Keys queued before the input ended still come first.
		select {
		case key := <-t.keys:
			return key, true, nil
		default:
			return 0, false, io.EOF
		}
	default:
		return 0, false, nil
	}
}

// Write prints to the terminal.
func (t *Terminal) Write(p []byte) (int, error) {
	return t.Adapt(t.out).Write(p)
}

// Adapt returns a writer for w that stays readable while the terminal is in raw
// mode, for output such as logs that bypasses the console.
func (t *Terminal) Adapt(w io.Writer) io.Writer {
	if t.oldState == nil {
		return w
	}
	return crlfWriter{w}
}

// crlfWriter expands newlines to CRLF since raw mode disables that translation.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	expanded := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' {
			expanded = append(expanded, '\r')
		}
		expanded = append(expanded, b)
	}
	if _, err := c.w.Write(expanded); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close restores the terminal to the state it was in before NewTerminal.
func (t *Terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.oldState != nil {
			err = term.Restore(int(t.in.Fd()), t.oldState)
		}
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("error restoring terminal: %w", err)
	}
	return nil
}
