package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/xtxerr/sensorgw/internal/wire"
)

func TestNodeSendsCount(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	fixed := time.Unix(1700000000, 0)
	n := &node{id: 12, count: 3, interval: time.Millisecond, minTemp: 15, maxTemp: 25, now: func() time.Time { return fixed }}

	type result struct {
		sent int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sent, err := n.run(context.Background(), client)
		client.Close()
		done <- result{sent, err}
	}()

	rd := wire.NewReader(server)
	for i := 0; i < 3; i++ {
		r, err := rd.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if r.SensorID != 12 || r.Timestamp != fixed.Unix() {
			t.Errorf("unexpected reading %+v", r)
		}
		if r.Temperature < 15 || r.Temperature > 25 {
			t.Errorf("expected temperature in [15, 25], got %f", r.Temperature)
		}
	}

	res := <-done
	if res.err != nil || res.sent != 3 {
		t.Errorf("expected 3 sent, got %d (%v)", res.sent, res.err)
	}
}

func TestNodeStopsOnCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{id: 1, count: -1, interval: time.Hour, minTemp: 0, maxTemp: 1, now: time.Now}

	done := make(chan int, 1)
	go func() {
		sent, _ := n.run(ctx, client)
		done <- sent
	}()

	if _, err := wire.NewReader(server).Read(); err != nil {
		t.Fatalf("read: %v", err)
	}
	cancel()

	select {
	case sent := <-done:
		if sent != 1 {
			t.Errorf("expected 1 sent, got %d", sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("node did not stop after cancel")
	}
}
