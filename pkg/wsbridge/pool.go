package wsbridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans snapshots out to every attached UI. Each connection has its own
// bounded queue and writer goroutine; a connection whose queue is full is dropped.
type ConnectionPool struct {
	name         string
	mu           sync.Mutex
	clients      map[wsConn]*client
	sendBuffer   int
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

func NewConnectionPool(name string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		name:         name,
		clients:      map[wsConn]*client{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, cp.sendBuffer), done: make(chan struct{})}
	cp.mu.Lock()
	cp.clients[conn] = c
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	go cp.writeLoop(c)
}

func (cp *ConnectionPool) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "wsbridge").Str("pool", cp.name).Msg("ws write failed, dropping connection")
				cp.Remove(c.conn)
				return
			}
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	delete(cp.clients, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if ok {
		c.close()
	} else {
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var dropped []*client
	cp.mu.Lock()
	for conn, c := range cp.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("component", "wsbridge").Str("pool", cp.name).Msg("ws send buffer full, dropping connection")
			delete(cp.clients, conn)
			dropped = append(dropped, c)
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	for _, c := range dropped {
		c.close()
	}
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	var dropped *client
	cp.mu.Lock()
	if c, ok := cp.clients[conn]; ok {
		select {
		case c.send <- data:
		default:
			delete(cp.clients, conn)
			cp.scheduleIdleTimerLocked()
			dropped = c
		}
	}
	cp.mu.Unlock()
	if dropped != nil {
		dropped.close()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := make([]*client, 0, len(cp.clients))
	for conn, c := range cp.clients {
		clients = append(clients, c)
		delete(cp.clients, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.clients) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	if cp.idleTimer != nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.clients) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
