// ABOUTME: Minimal fake DAQ device for manual and E2E testing of the device listener.
// ABOUTME: Usage: fake-device [-addr localhost:7070] [-name scope-1] [-event sample] [-data '{"v":1}']
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/daq-gateway/internal/envelope"
)

type options struct {
	addr     string
	name     string
	event    string
	data     string
	interval time.Duration
	count    int
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "localhost:7070", "Gateway device listener address")
	flag.StringVar(&opts.name, "name", "fake-device", "Device name")
	flag.StringVar(&opts.event, "event", "sample", "Event name for MESSAGE envelopes")
	flag.StringVar(&opts.data, "data", `{"seq":0}`, "JSON payload; a numeric \"seq\" field is replaced with the message number")
	flag.DurationVar(&opts.interval, "interval", time.Second, "Delay between messages")
	flag.IntVar(&opts.count, "count", 0, "Messages to send before disconnecting (0 runs until interrupted)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

// parseData validates raw as JSON and converts it to plain Go values.
func parseData(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON payload: %q", raw)
	}
	return gjson.Parse(raw).Value(), nil
}

// withSeq stamps n into a top-level numeric "seq" field when the payload has one.
func withSeq(raw string, v any, n int) any {
	obj, ok := v.(map[string]any)
	if !ok || gjson.Get(raw, "seq").Type != gjson.Number {
		return v
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		out[k] = val
	}
	out["seq"] = float64(n)
	return out
}

func run(ctx context.Context, opts options) error {
	data, err := parseData(opts.data)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	w := envelope.NewWriter(conn)
	if err := w.Connect(opts.name); err != nil {
		return fmt.Errorf("failed to send connect: %w", err)
	}
	log.Printf("connected to %s as %s", opts.addr, opts.name)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	sent := 0
	for opts.count == 0 || sent < opts.count {
		if err := w.Message(opts.name, opts.event, withSeq(opts.data, data, sent)); err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send error: %w", err)
		}
		sent++

		select {
		case <-ctx.Done():
			opts.count = sent
		case <-ticker.C:
		}
	}

	if err := w.Disconnect(opts.name); err != nil {
		return fmt.Errorf("failed to send disconnect: %w", err)
	}
	log.Printf("sent %d messages, disconnected", sent)
	return nil
}
