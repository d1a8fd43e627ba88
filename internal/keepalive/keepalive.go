// Package keepalive monitors WebSocket liveness for the signaling gateway:
// periodic pings, pong tracking, and a dead-peer threshold past which the
// session is considered stale and its socket is closed, which ends the
// gateway's read loop for that session (§5 "idle socket").
package keepalive

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// Config holds keepalive tunables.
type Config struct {
	PingInterval  time.Duration
	PongWaitTime  time.Duration
	WriteDeadline time.Duration
}

// DefaultConfig returns the gateway's default tuning: a 45s dead-peer
// threshold, per §5.
func DefaultConfig() Config {
	return Config{
		PingInterval:  15 * time.Second,
		PongWaitTime:  45 * time.Second,
		WriteDeadline: 5 * time.Second,
	}
}

// Monitor drives ping/pong liveness tracking for a single session socket. It
// also serializes every write onto conn: gorilla/websocket permits only one
// concurrent writer, and the gateway's writer task, dispatch task, and the
// monitor's own ping loop all write to the same connection.
type Monitor struct {
	conn         *websocket.Conn
	logger       logging.LeveledLogger
	config       Config
	done         chan struct{}
	lastPongTime atomic.Value // time.Time
	alive        atomic.Bool
	writeMu      sync.Mutex
}

// NewMonitor builds a Monitor for conn. It installs the pong handler
// immediately; call Start to begin the ping/monitor goroutines.
func NewMonitor(conn *websocket.Conn, logger logging.LeveledLogger, cfg Config) *Monitor {
	m := &Monitor{
		conn:   conn,
		logger: logger,
		config: cfg,
		done:   make(chan struct{}),
	}
	m.lastPongTime.Store(time.Now())
	m.alive.Store(true)

	m.conn.SetPongHandler(func(appData string) error {
		m.handlePong()
		return nil
	})

	return m
}

// Start launches the ping and staleness-monitor goroutines.
func (m *Monitor) Start() {
	go m.pingLoop()
	go m.monitorLoop()
}

// Stop halts the monitor goroutines. Safe to call once.
func (m *Monitor) Stop() {
	m.alive.Store(false)
	close(m.done)
}

// IsAlive reports whether the connection is currently considered live.
func (m *Monitor) IsAlive() bool {
	return m.alive.Load()
}

func (m *Monitor) pingLoop() {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.sendPing(); err != nil {
				m.logger.Warnf("keepalive: ping failed: %v", err)
				m.alive.Store(false)
				return
			}
		}
	}
}

func (m *Monitor) monitorLoop() {
	ticker := time.NewTicker(m.config.PongWaitTime)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			lastPong := m.lastPongTime.Load().(time.Time)
			if time.Since(lastPong) > m.config.PongWaitTime {
				m.logger.Warnf("keepalive: no pong for %v, marking stale", time.Since(lastPong))
				m.alive.Store(false)
				m.conn.Close()
				return
			}
		}
	}
}

func (m *Monitor) sendPing() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(m.config.WriteDeadline))
	if err := m.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
		return err
	}
	m.logger.Debugf("keepalive: sent ping")
	return nil
}

func (m *Monitor) handlePong() {
	m.lastPongTime.Store(time.Now())
	m.logger.Debugf("keepalive: received pong")
}

// WriteWithTimeout writes a raw frame with the configured write deadline.
func (m *Monitor) WriteWithTimeout(messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(m.config.WriteDeadline))
	return m.conn.WriteMessage(messageType, data)
}

// WriteJSONWithTimeout writes a JSON frame with the configured write
// deadline. Safe to call concurrently from the writer and dispatch tasks.
func (m *Monitor) WriteJSONWithTimeout(v interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(m.config.WriteDeadline))
	return m.conn.WriteJSON(v)
}
