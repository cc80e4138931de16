package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/MonkyMars/BlueQuill/backend/internal/ai"
	"github.com/MonkyMars/BlueQuill/backend/internal/client"
	"github.com/MonkyMars/BlueQuill/backend/internal/collab"
	"github.com/MonkyMars/BlueQuill/backend/internal/editor"
)

// Headless terminal client: useful for poking at a running relay and for
// demoing the suggestion flow without a browser.
func main() {
	var (
		relayURL = flag.String("relay", "ws://localhost:8082/collab/ws", "relay websocket endpoint")
		docID    = flag.String("doc", "", "document id (required)")
		token    = flag.String("token", "", "access token")
		name     = flag.String("name", "terminal", "display name for awareness")
		aiURL    = flag.String("ai-url", "", "generation service base URL (empty disables suggestions)")
		aiKey    = flag.String("ai-key", "", "generation service API key")
		aiModel  = flag.String("ai-model", "command", "generation model")
	)
	flag.Parse()
	if *docID == "" {
		fmt.Fprintln(os.Stderr, "usage: relay_client -doc <id> [-relay url] [-token t]")
		os.Exit(2)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	adapter := client.New(client.Options{
		URL:    *relayURL,
		DocID:  *docID,
		Token:  *token,
		Logger: log,
		OnChange: func() {
			fmt.Println("* remote change merged; use 't' to print")
		},
		OnAwareness: func(rec collab.AwarenessRecord) {
			fmt.Printf("* %s is here (session %s)\n", rec.Name, rec.SessionID)
		},
		OnAwarenessGone: func(sessionID string) {
			fmt.Printf("* session %s left\n", sessionID)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := adapter.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer adapter.Close()

	_ = adapter.SetAwareness(collab.AwarenessRecord{Name: *name})

	machine := editor.NewMachine(adapter, editor.NopMarker{})
	var complete *editor.Autocompleter
	if *aiURL != "" {
		complete = editor.NewAutocompleter(
			ai.NewClient(*aiURL, *aiKey, *aiModel),
			machine, log, editor.AutocompleterOptions{},
		)
	}

	fmt.Println("commands: t | i <pos> <text> | d <pos> <n> | s <pos> | a | x | q")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !dispatch(scanner.Text(), adapter, machine, complete) {
			return
		}
	}
}

func dispatch(line string, adapter *client.Adapter, machine *editor.Machine, complete *editor.Autocompleter) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	var err error
	switch fields[0] {
	case "q":
		return false

	case "t":
		var text string
		if text, err = adapter.Text(); err == nil {
			fmt.Printf("%q\n", text)
		}

	case "i":
		if len(fields) < 3 {
			err = errors.New("usage: i <pos> <text>")
			break
		}
		var pos int
		if pos, err = strconv.Atoi(fields[1]); err != nil {
			break
		}
		if err = machine.Typed(); err != nil {
			break
		}
		err = adapter.InsertText(pos, strings.Join(fields[2:], " "))

	case "d":
		if len(fields) != 3 {
			err = errors.New("usage: d <pos> <n>")
			break
		}
		var pos, n int
		if pos, err = strconv.Atoi(fields[1]); err != nil {
			break
		}
		if n, err = strconv.Atoi(fields[2]); err != nil {
			break
		}
		if err = machine.Typed(); err != nil {
			break
		}
		err = adapter.DeleteText(pos, n)

	case "s":
		if complete == nil {
			err = errors.New("no generation service configured (-ai-url)")
			break
		}
		if len(fields) != 2 {
			err = errors.New("usage: s <pos>")
			break
		}
		var pos int
		if pos, err = strconv.Atoi(fields[1]); err != nil {
			break
		}
		var text string
		if text, err = adapter.Text(); err != nil {
			break
		}
		runes := []rune(text)
		if pos > len(runes) {
			pos = len(runes)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = complete.Request(ctx, string(runes[:pos]), pos)
		cancel()
		if err == nil {
			if span := machine.Span(); span != nil {
				fmt.Printf("suggested: %q (a to accept, x to decline)\n", span.Text)
			}
		}

	case "a":
		err = machine.Accept()

	case "x":
		err = machine.Decline()

	default:
		err = fmt.Errorf("unknown command %q", fields[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return true
}
