package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/falleco/open-commander/internal/client"
	"github.com/falleco/open-commander/internal/store"
	"github.com/falleco/open-commander/internal/ui"
)

// detachKey is Ctrl-], the same byte telnet uses to escape.
const detachKey = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach the current terminal to a running session",
	Long: `Attach the current terminal to a running session through the broker's
websocket proxy, the same path the browser uses.

Press Ctrl-] to detach. The session keeps running; browser tabs attached
to it are unaffected.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.SessionByID(sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no session %s", sessionID)
		}
		return err
	}
	if sess.Status != store.SessionRunning {
		return fmt.Errorf("session %s is not running (status %s)", sessionID, sess.Status)
	}

	cookie, err := browserCookie(st)
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("attach needs a terminal on stdin")
	}
	columns, rows, err := term.GetSize(fd)
	if err != nil {
		return fmt.Errorf("reading terminal size: %w", err)
	}

	base := "ws://127.0.0.1:" + strconv.Itoa(cfg.Ports.FrontDoor)
	tc := client.NewTerminalClient(base, sessionID, cookie)
	dialCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	err = tc.Dial(dialCtx, columns, rows)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to session: %w", err)
	}
	defer tc.Close()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(fd); err == nil {
				_ = tc.Resize(c, r)
			}
		}
	}()

	// Pump stdin to the session. Ctrl-] closes the connection, which
	// unblocks the Next loop below.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					if i > 0 {
						_ = tc.Send(string(chunk[:i]))
					}
					tc.Close()
					return
				}
				if err := tc.Send(string(chunk)); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	ended := false
	for {
		ev, err := tc.Next()
		if err != nil {
			break
		}
		if ev.Title != "" {
			// Forward the pane title to the local terminal.
			fmt.Fprintf(os.Stdout, "\x1b]0;%s\x07", ev.Title)
		}
		if len(ev.Data) > 0 {
			_, _ = os.Stdout.Write(ev.Data)
		}
		if ev.End {
			ended = true
			break
		}
	}

	_ = term.Restore(fd, oldState)
	if ended {
		ui.Info("Session ended.")
	} else {
		ui.Info("Detached. The session keeps running.")
	}
	return nil
}
