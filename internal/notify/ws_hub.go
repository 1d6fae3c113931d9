package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWSSendBuffer = 64
	defaultWSWriteWait  = 10 * time.Second
)

var errSlowSubscriber = errors.New("subscriber outbound queue full")

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession is one websocket subscriber and the topics it listens on. Writes
// go through a bounded outbound queue drained by the session's own goroutine.
type WSSession struct {
	conn      wsConn
	topics    map[string]struct{}
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// offer queues payload without blocking. It reports false when the session
// is closed or its queue is full.
func (s *WSSession) offer(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *WSSession) writePump(writeWait time.Duration, onError func()) {
	for {
		select {
		case <-s.done:
			return
		case p := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
				onError()
				return
			}
		}
	}
}

func (s *WSSession) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		closed = true
	})
	return closed
}

// WSHub fans broadcast payloads out to websocket subscribers.
type WSHub struct {
	// SendBuffer is the per-session outbound queue length.
	SendBuffer int
	// WriteWait bounds a single websocket write.
	WriteWait time.Duration

	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{
		SendBuffer: defaultWSSendBuffer,
		WriteWait:  defaultWSWriteWait,
		sessions:   make(map[*WSSession]struct{}),
	}
}

func (h *WSHub) Subscribe(conn *websocket.Conn, topics []string) *WSSession {
	return h.add(conn, topics)
}

func (h *WSHub) add(conn wsConn, topics []string) *WSSession {
	buf := h.SendBuffer
	if buf <= 0 {
		buf = defaultWSSendBuffer
	}
	wait := h.WriteWait
	if wait <= 0 {
		wait = defaultWSWriteWait
	}
	s := &WSSession{
		conn:   conn,
		topics: make(map[string]struct{}, len(topics)),
		send:   make(chan []byte, buf),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	go s.writePump(wait, func() { h.Remove(s) })
	return s
}

func (h *WSHub) Remove(s *WSSession) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	s.close()
}

func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast queues the payload once for every session subscribed to any of
// the topics. It never waits on a subscriber: sessions whose queue is full
// are dropped and reported in the returned error.
func (h *WSHub) Broadcast(ctx context.Context, topics []string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*WSSession, 0, len(h.sessions))
	for s := range h.sessions {
		for _, t := range topics {
			if _, ok := s.topics[t]; ok {
				targets = append(targets, s)
				break
			}
		}
	}
	h.mu.RUnlock()

	var errs []error
	for _, s := range targets {
		if !s.offer(payload) {
			errs = append(errs, fmt.Errorf("ws send: %w", errSlowSubscriber))
			h.Remove(s)
		}
	}
	return errors.Join(errs...)
}
