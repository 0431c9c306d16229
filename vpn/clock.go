package vpn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/ntp"

	"github.com/yllada/vpnd/common"
)

// ErrClockSkew is returned by NTPClock.Check when the local clock is off by
// more than the allowed skew.
var ErrClockSkew = errors.New("system clock is out of sync")

// NTPClock compares the local clock against an NTP server. Relays reject
// handshakes from clients whose clock is far off, which shows up as an
// authentication failure.
type NTPClock struct {
	Server  string
	MaxSkew time.Duration
	Timeout time.Duration

	query func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

// NewNTPClock returns a checker for server.
func NewNTPClock(server string, maxSkew time.Duration) *NTPClock {
	if server == "" {
		server = common.DefaultNTPServer
	}
	if maxSkew <= 0 {
		maxSkew = time.Minute
	}
	return &NTPClock{
		Server:  server,
		MaxSkew: maxSkew,
		Timeout: 5 * time.Second,
		query:   ntp.QueryWithOptions,
	}
}

// Offset returns how far the server's clock is ahead of the local one.
func (c *NTPClock) Offset(ctx context.Context) (time.Duration, error) {
	timeout := c.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return 0, ctx.Err()
	}

	resp, err := c.query(c.Server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("error querying %s: %w", c.Server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid response from %s: %w", c.Server, err)
	}
	return resp.ClockOffset, nil
}

// Check returns ErrClockSkew if the offset exceeds MaxSkew.
func (c *NTPClock) Check(ctx context.Context) error {
	offset, err := c.Offset(ctx)
	if err != nil {
		return err
	}
	common.LogDebug("Clock offset against %s: %v", c.Server, offset)
	if offset.Abs() > c.MaxSkew {
		return fmt.Errorf("%w: off by %v", ErrClockSkew, offset.Round(time.Second))
	}
	return nil
}
