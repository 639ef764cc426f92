package feed

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cryptosim/internal/exception"
	"cryptosim/logger"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultReadTimeout    = time.Minute
	writeWait             = 5 * time.Second
	handshakeTimeout      = 10 * time.Second
)

// connSender adapts a websocket connection to subscription.Sender. Only the
// subscription drain loop calls it, which keeps data writes single-threaded.
type connSender struct {
	conn *websocket.Conn
}

func (s *connSender) WriteJSON(v interface{}) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// run owns the connection lifecycle: dial, hand the socket to the
// subscription manager, read until it breaks, wait the fixed delay, repeat.
// Consecutive failed dials beyond MaxReconnectAttempts end the loop in
// degraded mode.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	log := c.log.WithComponent("feed").WithFields(logger.Fields{"url": c.cfg.URL})

	delay := c.cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.WithError(err).WithFields(logger.Fields{"attempt": failures}).Warn("failed to connect to exchange websocket")
			if limit := c.cfg.MaxReconnectAttempts; limit > 0 && failures >= limit {
				c.markDegraded(err, failures)
				return
			}
		} else {
			failures = 0
			log.Info("exchange websocket connected")
			if err := c.serve(ctx, conn); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("exchange websocket read loop ended")
			}
			if ctx.Err() != nil {
				return
			}
		}

		c.metrics.Reconnect()
		logger.IncrementReconnect()
		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

// serve binds conn to the subscription manager and reads until the
// connection breaks or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.connected.Store(true)
	c.subs.Attach(&connSender{conn: conn})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	err := c.readMessages(ctx, conn)

	close(done)
	c.subs.Detach()
	c.connected.Store(false)
	conn.Close()
	return err
}

func (c *Client) readMessages(ctx context.Context, conn *websocket.Conn) error {
	timeout := c.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})

	log := c.log.WithComponent("feed")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		logger.IncrementFrameReceived()

		if !c.queue.offer(ctx, inbound{raw: msg}) && ctx.Err() == nil {
			c.metrics.FrameDropped()
			logger.IncrementFrameDropped()
			log.WithFields(logger.Fields{"bytes": len(msg)}).Debug("frame queue full, frame dropped")
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (c *Client) markDegraded(cause error, attempts int) {
	c.degradedOnce.Do(func() {
		c.degraded.Store(true)
		c.metrics.SetDegraded(true)
		c.log.WithComponent("feed").WithError(cause).WithFields(logger.Fields{
			"attempts": attempts,
			"reason":   exception.ErrConnectionFailure.Error(),
		}).Error("reconnect budget exhausted, market data degraded")
		close(c.degradedCh)
	})
}
