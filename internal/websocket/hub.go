package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"signaltrader/internal/bot"
	"signaltrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет всеми активными WebSocket соединениями и рассылает им
// события торгового ядра.
//
// Реализует bot.EventSink: Publish не блокирует тик трейдера, при
// переполнении очереди сообщение отбрасывается и учитывается в DroppedMessages.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	origins *OriginChecker
	logger  *zap.Logger

	dropped atomic.Int64
	mu      sync.RWMutex
}

// NewHub создает новый Hub. Пустой список origins разрешает любой источник.
func NewHub(origins []string, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(origins),
		logger:     utils.OrNop(logger).With(utils.Component("ws_hub")),
	}
}

// Run запускает главный цикл Hub. Должен запускаться в отдельной горутине.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.Int("clients", total))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			// медленные клиенты удаляются, а не тормозят остальных
			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				h.logger.Warn("removed slow clients", zap.Int("count", len(toRemove)))
			}
		}
	}
}

// Stop останавливает Run и закрывает каналы клиентов
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish отправляет событие всем клиентам
func (h *Hub) Publish(event bot.Event) {
	h.Broadcast(NewEventMessage(event))
}

// PublishStats отправляет снимок статистики
func (h *Hub) PublishStats(stats bot.MultiStats) {
	h.Broadcast(NewStatsMessage(stats))
}

// Broadcast сериализует сообщение и ставит в очередь рассылки без ожидания
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.logger.Error("failed to encode broadcast message", zap.Error(err))
		return
	}
	data := bytes.TrimRight(buf.Bytes(), "\n")

	// буфер вернётся в пул
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сколько сообщений отброшено из-за переполненной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
