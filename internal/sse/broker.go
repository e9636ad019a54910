package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	redisclient "github.com/carelink/telehealth-session-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 16
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an Event of the given type.
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

type Client struct {
	ID        string
	SessionID string
	Events    chan Event
	Done      chan struct{}
}

type sessionSubscribers struct {
	clients map[*Client]bool
	cancel  context.CancelFunc
}

// Broker fans session events out to local SSE clients. Events travel
// through Redis so a publisher on one instance reaches subscribers on all.
type Broker struct {
	redis    *redisclient.Client
	sessions map[string]*sessionSubscribers
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:    redisClient,
		sessions: make(map[string]*sessionSubscribers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *Broker) Subscribe(sessionID string) *Client {
	client := &Client{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Events:    make(chan Event, clientBufferSize),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	subs := b.sessions[sessionID]
	if subs == nil {
		ctx, cancel := context.WithCancel(b.ctx)
		subs = &sessionSubscribers{clients: make(map[*Client]bool), cancel: cancel}
		b.sessions[sessionID] = subs
		go b.subscribeToRedis(ctx, sessionID)
	}
	subs.clients[client] = true
	clientCount := len(subs.clients)
	b.mu.Unlock()

	log.Info().
		Str("sessionId", sessionID).
		Str("clientId", client.ID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.sessions[client.SessionID]
	if !ok || !subs.clients[client] {
		return
	}
	delete(subs.clients, client)
	close(client.Done)

	if len(subs.clients) == 0 {
		subs.cancel()
		delete(b.sessions, client.SessionID)
	}

	log.Info().
		Str("sessionId", client.SessionID).
		Str("clientId", client.ID).
		Int("clientCount", len(subs.clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, sessionID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.SessionEventChannel(sessionID)
	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		return apperrors.External("redis pub/sub", err)
	}
	return nil
}

func (b *Broker) subscribeToRedis(ctx context.Context, sessionID string) {
	channel := redisclient.SessionEventChannel(sessionID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("sessionId", sessionID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(sessionID, event)
		}
	}
}

func (b *Broker) broadcast(sessionID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.sessions[sessionID]
	if subs == nil {
		return
	}
	for client := range subs.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("sessionId", sessionID).
				Str("clientId", client.ID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.sessions {
		for client := range subs.clients {
			close(client.Done)
		}
	}
	b.sessions = make(map[string]*sessionSubscribers)
}

func (b *Broker) ClientCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if subs := b.sessions[sessionID]; subs != nil {
		return len(subs.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, subs := range b.sessions {
		total += len(subs.clients)
	}
	return total
}
