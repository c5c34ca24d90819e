package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"tailscale.com/logtail/backoff"
)

type controlClient struct {
	c    *http.Client
	addr string
}

func newControlClient(addr string) *controlClient {
	return &controlClient{
		addr: addr,
		c: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{}
					return d.DialContext(ctx, "unix", addr)
				},
			},
			Timeout: time.Second * 30,
		},
	}
}

func (c *controlClient) post(path string, data io.Reader) (*http.Response, error) {
	return c.c.Post("http://unix"+path, contentTypeJson, data)
}

// waitReady blocks until the control socket accepts connections, or ctx is done.
func (c *controlClient) waitReady(ctx context.Context) error {
	bo := backoff.NewBackoff("control client", func(format string, args ...any) {
		mainLog.Load().Debug().Msgf(format, args...)
	}, 2*time.Second)
	for {
		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", c.addr)
		if err == nil {
			return conn.Close()
		}
		if ctx.Err() != nil {
			return fmt.Errorf("control server at %s is not ready: %w", c.addr, err)
		}
		bo.BackOff(ctx, err)
	}
}

// command posts a session command, returning the status after it was queued.
func (c *controlClient) command(path string) (*statusResponse, error) {
	resp, err := c.post(path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, buf)
	}
	var res statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("%s: decoding status: %w", path, err)
	}
	return &res, nil
}
