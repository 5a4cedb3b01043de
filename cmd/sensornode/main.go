// sensornode simulates a temperature sensor: it connects to a gateway and
// sends one reading per interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/loader"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/types"
	"github.com/xtxerr/sensorgw/internal/wire"
)

var log = logging.Component("sensornode")

// node is one simulated sensor.
type node struct {
	id       int32
	count    int // readings to send, negative means until interrupted
	interval time.Duration
	minTemp  float64
	maxTemp  float64
	now      func() time.Time
}

func (n *node) reading() types.Reading {
	temp := n.minTemp + rand.Float64()*(n.maxTemp-n.minTemp)
	return types.Reading{SensorID: n.id, Temperature: float32(temp), Timestamp: n.now().Unix()}
}

// run sends readings over conn until count is reached or ctx is done.
func (n *node) run(ctx context.Context, conn net.Conn) (int, error) {
	w := wire.NewWriter(conn)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	sent := 0
	for n.count < 0 || sent < n.count {
		r := n.reading()
		if err := w.Write(r); err != nil {
			return sent, fmt.Errorf("send: %w", err)
		}
		sent++
		log.Debug("reading sent", "sensor_id", r.SensorID, "temp", r.Temperature, "sent", sent)

		if n.count >= 0 && sent == n.count {
			break
		}
		select {
		case <-ctx.Done():
			return sent, nil
		case <-ticker.C:
		}
	}
	return sent, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	host := flag.String("host", "127.0.0.1", "gateway host")
	interval := flag.Duration("interval", config.DefaultSendInterval, "time between readings")
	minTemp := flag.Float64("min", config.DefaultMinTemp, "minimum temperature")
	maxTemp := flag.Float64("max", config.DefaultMaxTemp, "maximum temperature")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <port> <sensor_id> [send_count]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 || flag.NArg() > 3 {
		flag.Usage()
		return 1
	}
	if *debug {
		logging.Init(slog.LevelDebug, false)
	}

	port, err := loader.ParsePort(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensornode: %v\n", err)
		return 1
	}
	id, err := strconv.ParseInt(flag.Arg(1), 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensornode: invalid sensor id %q\n", flag.Arg(1))
		return 1
	}
	count := -1
	if flag.NArg() == 3 {
		count, err = strconv.Atoi(flag.Arg(2))
		if err != nil {
			fmt.Fprintf(os.Stderr, "sensornode: invalid send count %q\n", flag.Arg(2))
			return 1
		}
	}
	if *interval <= 0 || *maxTemp < *minTemp {
		fmt.Fprintln(os.Stderr, "sensornode: interval must be positive and max >= min")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(*host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Error("connect failed", "addr", addr, "error", err)
		return 1
	}
	defer conn.Close()
	log.Info("connected", "addr", addr, "sensor_id", id, "count", count, "interval", *interval)

	n := &node{
		id:       int32(id),
		count:    count,
		interval: *interval,
		minTemp:  *minTemp,
		maxTemp:  *maxTemp,
		now:      time.Now,
	}
	sent, err := n.run(ctx, conn)
	if err != nil {
		log.Error("sensor stopped", "sent", sent, "error", err)
		return 1
	}
	log.Info("sensor done", "sent", sent)
	return 0
}
