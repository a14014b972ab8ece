package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

const relayChannelPrefix = "lexcollab:doc:"

// relayFrame wraps a wire envelope with its origin replica so a hub never
// re-delivers its own publications.
type relayFrame struct {
	Origin   string          `json:"origin"`
	Envelope json.RawMessage `json:"envelope"`
}

// Relay fans presence traffic out across hub replicas over redis pub/sub,
// one channel per document. Only advisory state travels this path; version
// and lock authority stay on the replica that owns the document's room.
type Relay struct {
	rdb       *redis.Client
	replicaID string

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRelay connects to redis and verifies it answers.
func NewRelay(ctx context.Context, addr, replicaID string) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("relay: redis unreachable at %s: %w", addr, err)
	}
	return &Relay{
		rdb:       rdb,
		replicaID: replicaID,
		subs:      make(map[string]*redis.PubSub),
	}, nil
}

// Publish sends one envelope to every replica subscribed to the document.
func (r *Relay) Publish(ctx context.Context, documentID string, envelope []byte) error {
	frame, err := json.Marshal(relayFrame{Origin: r.replicaID, Envelope: envelope})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, relayChannelPrefix+documentID, frame).Err()
}

// Subscribe starts forwarding the document's relay channel into deliver.
// Frames originating from this replica are skipped.
func (r *Relay) Subscribe(documentID string, deliver func(documentID string, envelope []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[documentID]; ok {
		return
	}

	pubsub := r.rdb.Subscribe(context.Background(), relayChannelPrefix+documentID)
	r.subs[documentID] = pubsub

	go func() {
		for msg := range pubsub.Channel() {
			var frame relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Printf("relay: malformed frame on %s: %v", msg.Channel, err)
				continue
			}
			if frame.Origin == r.replicaID {
				continue
			}
			deliver(documentID, frame.Envelope)
		}
	}()
}

// Unsubscribe stops forwarding for a document. Called when its room closes.
func (r *Relay) Unsubscribe(documentID string) {
	r.mu.Lock()
	pubsub := r.subs[documentID]
	delete(r.subs, documentID)
	r.mu.Unlock()
	if pubsub != nil {
		pubsub.Close()
	}
}

// Close tears down every subscription and the redis connection.
func (r *Relay) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*redis.PubSub)
	r.mu.Unlock()
	for _, pubsub := range subs {
		pubsub.Close()
	}
	if err := r.rdb.Close(); err != nil {
		log.Printf("relay: closing redis client: %v", err)
	}
}
