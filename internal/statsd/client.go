package statsd

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Client periodically flushes a Table's gauges to a statsd collector over a
// connectionless transport (UDP or a Unix datagram socket), per spec.md
// §6's procfs/statsd external interfaces. Unlike the exporter's pprof
// upload, statsd flushes are fire-and-forget: a dropped packet just means
// one missed sample of a gauge that will be resent on the next tick, so
// there is no reconnect/backoff loop here, only a best-effort dial that is
// retried lazily on the next flush if it failed.
type Client struct {
	addr   string
	table  *Table
	period time.Duration
	logger *slog.Logger

	conn net.Conn
}

// NewClient builds a Client that flushes tbl to addr (e.g.
// "127.0.0.1:8125" or "unixgram:///var/run/datadog/dsd.socket") every
// period.
func NewClient(addr string, tbl *Table, period time.Duration, logger *slog.Logger) *Client {
	return &Client{addr: addr, table: tbl, period: period, logger: logger}
}

// Run flushes gauges every c.period until ctx-like stop is closed. It is
// meant to be run in its own goroutine.
func (c *Client) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			c.close()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Client) flush() {
	if c.conn == nil {
		if err := c.dial(); err != nil {
			c.logger.Warn("statsd: dial failed, skipping flush", slog.Any("error", err))
			return
		}
	}

	for _, nv := range c.table.Snapshot() {
		line := fmt.Sprintf("%s:%d|g\n", nv.Name, nv.Value)
		if _, err := c.conn.Write([]byte(line)); err != nil {
			c.logger.Warn("statsd: write failed, will redial on next flush",
				slog.String("metric", nv.Name), slog.Any("error", err))
			c.close()
			return
		}
	}
}

func (c *Client) dial() error {
	network, addr := "udp", c.addr
	if rest, ok := stripUnixgram(c.addr); ok {
		network, addr = "unixgram", rest
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	c.conn = conn
	return nil
}

func (c *Client) close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// stripUnixgram recognises the "unixgram://" scheme prefix this package
// accepts for Unix datagram socket endpoints.
func stripUnixgram(addr string) (string, bool) {
	const prefix = "unixgram://"
	if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
		return addr[len(prefix):], true
	}
	return "", false
}
