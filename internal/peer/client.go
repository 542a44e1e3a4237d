// Package peer connects a participant to a relay over TCP and exposes the
// connection as a transport.Link.
package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/frame"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrRelayAddressRequired = errors.New("peer: relay address required")
	ErrDeviceRequired       = errors.New("peer: device id required")
	ErrJoinRejected         = errors.New("peer: join rejected")
)

type ClientConfig struct {
	Address  string
	StableID protocol.StableID
	Device   protocol.DeviceID
	Name     string
	Token    string
	Session  session.Config
	// MaxConnectAttempts bounds dial retries. Zero retries until ctx ends.
	MaxConnectAttempts int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session: session.DefaultConfig(),
	}
}

type Client struct {
	cfg ClientConfig
	rng *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrRelayAddressRequired
	}
	if cfg.Device == uuid.Nil {
		return nil, ErrDeviceRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// ConnectAndJoin dials the relay, performs the join handshake, and returns
// a live link. Dial and handshake failures are retried with backoff; an
// explicit rejection is not.
func (c *Client) ConnectAndJoin(ctx context.Context) (*Link, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Msgf("peer.Client dial attempt=%d addr=%q err=%v", attempt, c.cfg.Address, err)
			if !c.shouldRetry(attempt) {
				return nil, err
			}
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		link, err := c.join(conn)
		if err == nil {
			log.Info().Msgf("peer.Client joined addr=%q stable=%s session=%s", c.cfg.Address, c.cfg.StableID, link.Local())
			return link, nil
		}
		_ = conn.Close()
		if errors.Is(err, ErrJoinRejected) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	return dialer.DialContext(ctx, "tcp", c.cfg.Address)
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) join(conn net.Conn) (*Link, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	join := session.Join{
		StableID: c.cfg.StableID,
		DeviceID: c.cfg.Device.String(),
		Name:     c.cfg.Name,
		Token:    c.cfg.Token,
	}
	if err := session.WriteJoin(conn, join); err != nil {
		return nil, err
	}
	ack, err := session.ReadJoinAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrJoinRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	return newLink(conn, reader, ack.Session, c.cfg.Session, frame.DefaultLimits()), nil
}
