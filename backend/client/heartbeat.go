package client

import (
	"github.com/adwski/lanmeet/backend/model"
)

func (c *Client) heartbeatLoop(cn *conn) {
	ticker := c.clock.Ticker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()

	for {
		select {
		case <-cn.ctx.Done():
			return
		case <-ticker.C:
			if c.checkHeartbeat(cn) {
				return
			}
		}
	}
}

// checkHeartbeat declares cn lost when the last pong is older than 1.5x the
// pong timeout, otherwise it sends the next ping. It reports whether cn was
// declared lost.
func (c *Client) checkHeartbeat(cn *conn) bool {
	c.mx.Lock()
	if c.cn != cn || c.state != StateConnected {
		c.mx.Unlock()
		return false
	}
	since := c.clock.Now().Sub(c.lastPong)
	c.mx.Unlock()

	if since > c.pongTimeout*3/2 {
		c.logger.Warn().Dur("sinceLastPong", since).Msg("heartbeat lost")
		c.connectionLost(cn, ErrHeartbeatTimeout)
		return true
	}
	if since > c.pongTimeout {
		c.logger.Debug().
			Dur("sinceLastPong", since).
			Float64("quality", quality(since, c.pongTimeout)).
			Msg("connection degraded")
	}

	ping := c.newMessage(model.TypePing)
	ping.Username = c.username
	if err := cn.send(ping); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send ping")
	}
	return false
}
