package client

import (
	"errors"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/transfer"
)

// connectionLost tears down cn and starts the reconnection worker.
// It does nothing unless cn is the live connection.
func (c *Client) connectionLost(cn *conn, cause error) {
	c.mx.Lock()
	if c.cn != cn || (c.state != StateConnected && c.state != StateAuthenticating) {
		c.mx.Unlock()
		return
	}
	c.setState(StateReconnecting)
	c.cn = nil
	c.attempts = 0
	c.mx.Unlock()

	cn.close()
	c.suspendDownloads()
	c.logger.Warn().AnErr("cause", cause).Msg("connection lost")

	c.wg.Add(1)
	go c.reconnectLoop(false)
}

// ManualReconnect resets the attempt counter and retries at once.
func (c *Client) ManualReconnect() error {
	c.mx.Lock()
	switch c.state {
	case StateReconnecting:
		c.attempts = 0
		c.mx.Unlock()
		select {
		case c.retryNow <- struct{}{}:
		default:
		}
		return nil
	case StateManualRetryRequired:
		c.setState(StateReconnecting)
		c.attempts = 0
		c.mx.Unlock()
		c.wg.Add(1)
		go c.reconnectLoop(true)
		return nil
	}
	state := c.state
	c.mx.Unlock()
	if state == StateDisconnected {
		return ErrNotAuthenticated
	}
	return ErrAlreadyConnected
}

func (c *Client) reconnectLoop(immediate bool) {
	defer c.wg.Done()

	for {
		c.mx.Lock()
		if c.state != StateReconnecting {
			c.mx.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		if attempt > c.maxAttempts {
			c.setState(StateManualRetryRequired)
			c.mx.Unlock()
			c.logger.Error().Int("attempts", c.maxAttempts).Msg("giving up automatic reconnection")
			c.emit(model.Event{
				Type:        model.EventManualRetryRequired,
				Attempt:     c.maxAttempts,
				MaxAttempts: c.maxAttempts,
			})
			return
		}
		c.mx.Unlock()

		delay := Backoff(attempt)
		if immediate {
			delay = 0
		}
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		if immediate {
			immediate = false
			c.emit(model.Event{Type: model.EventReconnectionStarted, Attempt: attempt, MaxAttempts: c.maxAttempts})
		} else {
			// the timer is armed before the event goes out so that a
			// handler observing the event always sees the wait in place
			timer := c.clock.Timer(delay)
			c.emit(model.Event{
				Type:        model.EventReconnectionStarted,
				Attempt:     attempt,
				MaxAttempts: c.maxAttempts,
				Delay:       delay,
			})
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return
			case <-c.retryNow:
				timer.Stop()
			case <-timer.C:
			}
		}

		if err := c.reestablish(); err != nil {
			if errors.Is(err, ErrAborted) {
				return
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			c.emit(model.Event{
				Type:        model.EventReconnectionFailed,
				Attempt:     attempt,
				MaxAttempts: c.maxAttempts,
				Error:       err.Error(),
			})
			continue
		}

		c.logger.Info().Int("attempt", attempt).Msg("reconnected")
		c.emit(model.Event{Type: model.EventReconnectionSucceeded, Attempt: attempt})
		c.restore()
		return
	}
}

// reestablish dials a new connection generation and waits until it is
// authenticated.
func (c *Client) reestablish() error {
	c.mx.Lock()
	if c.state != StateReconnecting {
		c.mx.Unlock()
		return ErrAborted
	}
	c.mx.Unlock()

	cn, err := c.dial(c.ctx)
	if err != nil {
		return err
	}

	c.mx.Lock()
	if c.state != StateReconnecting {
		c.mx.Unlock()
		cn.close()
		return ErrAborted
	}
	c.cn = cn
	c.mx.Unlock()

	c.start(cn)
	if err = cn.send(c.authRequest()); err == nil {
		timer := c.clock.Timer(c.authTimeout)
		select {
		case err = <-cn.authc:
		case <-timer.C:
			err = ErrAuthTimeout
		case <-c.ctx.Done():
			err = ErrAborted
		}
		timer.Stop()
	}
	if err != nil {
		c.mx.Lock()
		if c.cn == cn {
			c.cn = nil
		}
		c.mx.Unlock()
		cn.close()
		return err
	}
	return nil
}

// restore re-announces active media and resumes suspended transfers on
// the new connection. Chat history is local and is not replayed.
func (c *Client) restore() {
	cn, err := c.current()
	if err != nil {
		return
	}
	for _, kind := range c.session.ActiveMedia() {
		msg := c.newMessage(model.TypeMediaStart)
		msg.Username = c.username
		msg.MediaType = kind
		if err = cn.send(msg); err != nil {
			c.logger.Warn().Err(err).Str("media", string(kind)).Msg("failed to restore media")
		}
	}

	for _, t := range c.session.Transfers(transfer.Upload) {
		if t.State() != transfer.StateSent {
			c.startUpload(t)
			continue
		}
		if err = c.confirmUpload(cn, t); err != nil {
			c.logger.Warn().Err(err).Str("fileID", t.FileID()).Msg("failed to repeat file_complete")
		}
	}
	for _, t := range c.session.Transfers(transfer.Download) {
		if t.State() != transfer.StateSuspended {
			continue
		}
		if err = c.requestFile(cn, t); err != nil {
			c.logger.Warn().Err(err).Str("fileID", t.FileID()).Msg("failed to resume download")
		}
	}
}

func (c *Client) suspendDownloads() {
	for _, t := range c.session.Transfers(transfer.Download) {
		if t.State() == transfer.StateRunning {
			_ = t.SetState(transfer.StateSuspended)
		}
	}
}
