package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/peterje/ptyhost/internal/config"
	"github.com/peterje/ptyhost/internal/control"
	"github.com/peterje/ptyhost/internal/events"
	"github.com/peterje/ptyhost/internal/logging"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

func runAttach(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := pflag.NewFlagSet("attach", pflag.ContinueOnError)
	fs.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "control socket path (default <data-dir>/control.sock)")
	dir := fs.String("dir", "", "working directory of a new session")
	sessionID := fs.Uint32("session", 0, "join an existing session instead of creating one")
	keep := fs.Bool("keep", false, "leave a new session running after detaching")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Finalize()

	// Anything logged in raw mode would garble the terminal.
	logger, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("stdin is not a terminal")
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return fmt.Errorf("terminal size: %w", err)
	}

	client, err := control.Dial(cfg.SocketPath, logger)
	if err != nil {
		return fmt.Errorf("is ptyhost serve running? %w", err)
	}
	defer client.Disconnect()

	id := *sessionID
	if id == 0 {
		id, err = client.Create(ptymgr.Options{Rows: uint16(rows), Cols: uint16(cols), Dir: *dir})
		if err != nil {
			return err
		}
		if !*keep {
			defer client.Close(id)
		}
	} else if err := client.Resize(id, uint16(rows), uint16(cols)); err != nil {
		return err
	}

	replay, output, cancel, err := client.Subscribe(context.Background(), id)
	if err != nil {
		return err
	}
	defer cancel()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	os.Stdout.WriteString(replay)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(fd); err == nil {
				client.Resize(id, uint16(r), uint16(c))
			}
		}
	}()

	detached := make(chan struct{})
	go func() {
		defer close(detached)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				i := bytes.IndexByte(chunk, detachKey)
				if i >= 0 {
					chunk = chunk[:i]
				}
				if len(chunk) > 0 {
					if client.Write(id, chunk) != nil {
						return
					}
				}
				if i >= 0 {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-output:
			if !ok {
				return nil
			}
			if ev.Kind == events.Output {
				os.Stdout.WriteString(ev.Data)
			}
		case <-detached:
			return nil
		case <-client.Done():
			return errors.New("lost connection to ptyhost")
		}
	}
}
