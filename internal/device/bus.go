package device

import (
	"sync"
	"sync/atomic"
	"time"
)

type MessageType string

const (
	// от устройства
	MsgStatusUpdate MessageType = "status_update"
	MsgTelemetry    MessageType = "telemetry"
	MsgError        MessageType = "error"
	MsgEmergency    MessageType = "emergency"

	// от шлюза подписчикам
	MsgCommand MessageType = "command"
	MsgSession MessageType = "session"
)

type Message struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId"`
	DeviceID  string         `json:"deviceId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type subscriber struct {
	sessionID string
	ch        chan Message
}

// Bus — широковещательная шина сессий. Публикация не блокируется:
// медленный подписчик теряет сообщения, а не тормозит команды.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	next    uint64
	buffer  int
	dropped atomic.Int64
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Subscribe: пустой sessionID означает все сессии. Вызов cancel закрывает канал.
func (b *Bus) Subscribe(sessionID string) (<-chan Message, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	s := &subscriber{sessionID: sessionID, ch: make(chan Message, b.buffer)}
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Bus) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.sessionID != "" && s.sessionID != msg.SessionID {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Dropped() int64 { return b.dropped.Load() }
