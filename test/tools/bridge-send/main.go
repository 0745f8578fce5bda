// Command bridge-send connects to an fsrvd bridge listener over SRT, sends
// NET or EXTERNAL events and prints whatever the engine sends back.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/fsrv/internal/event"
)

// framePad matches the bridge's fixed event size on the wire.
const framePad = 128

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:7000", "bridge listener address")
	nameFlag := flag.String("name", "bridge-send", "peer name")
	kindFlag := flag.String("kind", "message", "event kind: message, notice, failure")
	listenFlag := flag.Duration("listen", 2*time.Second, "how long to print replies after sending")
	retriesFlag := flag.Int("retries", 3, "connection attempts")
	flag.Parse()

	var texts []string
	if flag.NArg() > 0 {
		texts = flag.Args()
	} else {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				texts = append(texts, line)
			}
		}
	}

	events := make([]event.Event, 0, len(texts))
	for _, text := range texts {
		ev, err := buildEvent(*kindFlag, text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
		events = append(events, ev)
	}

	conn, err := dial(*addrFlag, "bridge/"+*nameFlag, *retriesFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SRT connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	go printReplies(conn)

	for _, ev := range events {
		if _, err := conn.Write(event.Pack(ev, framePad)); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("-> %s %q\n", ev.Category, ev.Message())
	}
	time.Sleep(*listenFlag)
}

func dial(addr, streamID string, retries int) (*srt.Conn, error) {
	var err error
	for attempt := 1; attempt <= max(retries, 1); attempt++ {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)
		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		var conn *srt.Conn
		conn, err = srt.Dial(addr, cfg)
		if err == nil {
			return conn, nil
		}
		fmt.Fprintf(os.Stderr, "[%s] attempt %d failed: %v\n", streamID, attempt, err)
		time.Sleep(time.Second)
	}
	return nil, err
}

func printReplies(r io.Reader) {
	dec := event.NewDecoder(r)
	for {
		ev, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(os.Stderr, "receive: %v\n", err)
			}
			return
		}
		fmt.Printf("<- %s source=%d %q\n", ev.Category, ev.Source, ev.Message())
	}
}

// buildEvent makes the event sent for one line of input.
func buildEvent(kind, text string) (event.Event, error) {
	var ev event.Event
	switch kind {
	case "message":
		ev = event.New(event.CategoryNet, event.KindNetMessage)
	case "notice":
		ev = event.New(event.CategoryExternal, event.KindExternalNotice)
	case "failure":
		ev = event.New(event.CategoryExternal, event.KindExternalFailure)
	default:
		return ev, fmt.Errorf("unknown kind %q", kind)
	}
	if len(text) >= event.PayloadSize {
		return ev, fmt.Errorf("message of %d bytes does not fit in %d", len(text), event.PayloadSize-1)
	}
	ev.SetMessage(text)
	return ev, nil
}
