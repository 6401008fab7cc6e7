package manager

import (
	backoff "github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"

	"livecomment.dev/wscomp/logger"
)

// Control is handed to the owner every time a transport opens. It acts on
// whichever transport the manager currently holds, so a Control stays useful
// across reconnects.
type Control struct {
	manager *Manager
	logger  *logger.Logger

	// guarded by manager.mu
	timer   clock.Timer
	timerId uint64
}

// Send marshals msg to a json object and writes it if there is a connection.
// Otherwise, or if the write fails, the message is dropped.
func (c *Control) Send(msg interface{}) {
	c.manager.send(msg)
}

// Reconnect closes the current transport and immediately opens a new one
func (c *Control) Reconnect() {
	c.manager.reconnect()
}

// ReconnectWithBackoff schedules a Reconnect after a delay taken from the
// manager's backoff policy. Only one reconnect can be pending per Control;
// asking again while one is pending does nothing.
func (c *Control) ReconnectWithBackoff() {
	m := c.manager

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		c.logger.Debugf("Not scheduling a reconnect on a disposed connection manager")
		return
	} else if c.timerId != 0 {
		c.logger.Warnf("A reconnect is already scheduled")
		return
	}

	delay := m.policy.NextBackOff()
	if delay == backoff.Stop {
		c.logger.Warnf("Backoff policy gave up, not reconnecting")
		return
	}

	m.timerSeq++
	timerId := m.timerSeq

	c.timerId = timerId
	c.timer = m.clock.AfterFunc(delay, func() { c.fire(timerId) })
	m.pending[c] = struct{}{}

	c.logger.Infof("Reconnecting in %s", delay)
}

// Close cancels every scheduled reconnect, including those made through older
// Controls of the same manager, and closes the current transport for good
func (c *Control) Close() {
	c.manager.closeSlot(ErrControlClosed)
}

// PendingTimer is 0 when no reconnect is scheduled
func (c *Control) PendingTimer() uint64 {
	c.manager.mu.Lock()
	defer c.manager.mu.Unlock()
	return c.timerId
}

func (c *Control) fire(timerId uint64) {
	m := c.manager

	m.mu.Lock()
	if c.timerId != timerId {
		// cancelled after the timer had already gone off
		m.mu.Unlock()
		return
	}
	c.timerId = 0
	c.timer = nil
	delete(m.pending, c)
	m.mu.Unlock()

	m.reconnect()
}

// must hold manager.mu
func (c *Control) cancelTimer() {
	if c.timerId == 0 {
		return
	}

	c.timer.Stop()
	c.timer = nil
	c.timerId = 0
	delete(c.manager.pending, c)
}
