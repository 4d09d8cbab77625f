package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fulgencio/kiosk/internal/conversation"
)

// console is the operator-facing subset of the orchestrator.
type console interface {
	Toggle(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	Snapshot() conversation.Snapshot
	Subscribe(fn func(conversation.Snapshot)) (cancel func())
}

// errQuit is returned by runTerminal when the operator types /quit.
var errQuit = errors.New("operator quit")

const terminalHelp = `Enter toggles the conversation. Typed text is sent to the assistant.
/status prints the current state, /quit exits.`

// runTerminal reads operator commands from in until "/quit", EOF or ctx
// ends, echoing state changes, errors and the transcript on out. It returns
// errQuit for "/quit" and nil when input ends or ctx is cancelled, so a
// detached stdin leaves the kiosk running.
func runTerminal(ctx context.Context, in io.Reader, out io.Writer, conv console) error {
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	var (
		lastState   = conv.Snapshot().State
		lastErr     string
		lastSession string
		printed     int    // entries fully written
		partial     string // text written so far of entry printed
	)
	cancel := conv.Subscribe(func(s conversation.Snapshot) {
		if s.SessionID != lastSession {
			if partial != "" {
				printf("\n")
			}
			lastSession, printed, partial = s.SessionID, 0, ""
		}
		// Status lines start on their own line while an entry streams.
		brk := ""
		if partial != "" {
			brk = "\n"
		}
		if s.State != lastState {
			lastState = s.State
			printf("%s[%s]\n", brk, s.State)
			brk = ""
		}
		if s.Error != "" && s.Error != lastErr {
			printf("%serror: %s\n", brk, s.Error)
		}
		lastErr = s.Error

		// Streamed entries are written incrementally.
		for ; printed < len(s.Transcript); printed++ {
			m := s.Transcript[printed]
			switch {
			case partial == "":
				printf("%s: %s", m.Role, m.Content)
			case strings.HasPrefix(m.Content, partial):
				printf("%s", m.Content[len(partial):])
			default:
				printf("\n%s: %s", m.Role, m.Content)
			}
			if printed == len(s.Transcript)-1 {
				partial = m.Content
				break
			}
			printf("\n")
			partial = ""
		}
	})
	defer cancel()

	printf("%s\n", terminalHelp)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("terminal: read: %w", err)
			}
			return nil
		case line := <-lines:
			line = strings.TrimSpace(line)
			switch line {
			case "/quit":
				return errQuit
			case "/status":
				s := conv.Snapshot()
				printf("state=%s status=%s phase=%s session=%s entries=%d\n",
					s.State, s.Status, s.Phase, s.SessionID, len(s.Transcript))
			case "":
				if err := conv.Toggle(ctx); err != nil {
					printf("toggle failed: %v\n", err)
				}
			default:
				if err := conv.SendText(ctx, line); err != nil {
					if errors.Is(err, conversation.ErrNotConnected) {
						printf("not connected; press Enter to start a conversation\n")
						continue
					}
					printf("send failed: %v\n", err)
				}
			}
		}
	}
}
