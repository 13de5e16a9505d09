package ws

import "sync"

// AllServices is the stream key receiving every broadcast regardless of the
// originating service.
const AllServices = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions keyed by service name.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the originating service.
type message struct {
	service string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	service string
	client  Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.service]; !ok {
				h.clients[sub.service] = make(map[Subscriber]struct{})
			}
			h.clients[sub.service][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.service]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.service)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.service, msg.payload)
			if msg.service != AllServices {
				h.deliver(AllServices, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(key string, payload []byte) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// Register adds a client to a service stream. Use AllServices to receive
// every broadcast.
func (h *Hub) Register(service string, client Subscriber) {
	h.register <- subscription{service: service, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(service string, client Subscriber) {
	h.unreg <- subscription{service: service, client: client}
}

// Broadcast sends payload to the service's subscribers and to wildcard
// subscribers.
func (h *Hub) Broadcast(service string, payload []byte) {
	h.broadcast <- message{service: service, payload: payload}
}
