package notifier

import (
	"sync"

	"github.com/hearthchat/hearth/pkg/types"
)

// Poke announces that a stream advanced up to Token. Pokes are hints, not
// data: a coalesced or dropped poke only delays delivery, because the
// streamer re-reads rows from the store on every pass.
type Poke struct {
	Stream types.StreamName
	Token  int64
}

// Subscriber is a channel that receives pokes
type Subscriber chan Poke

// Notifier fans commit pokes out to subscribers (the replication streamer,
// primarily). Publish is called after every transaction that advances a
// stream.
type Notifier struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	pokeCh      chan Poke
	stopCh      chan struct{}
}

// New creates a new Notifier
func New() *Notifier {
	return &Notifier{
		subscribers: make(map[Subscriber]bool),
		pokeCh:      make(chan Poke, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop
func (n *Notifier) Start() {
	go n.run()
}

// Stop stops the notifier
func (n *Notifier) Stop() {
	close(n.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (n *Notifier) Subscribe() Subscriber {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := make(Subscriber, 50)
	n.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (n *Notifier) Unsubscribe(sub Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.subscribers, sub)
	close(sub)
}

// Publish announces a stream advance to all subscribers
func (n *Notifier) Publish(poke Poke) {
	select {
	case n.pokeCh <- poke:
	case <-n.stopCh:
	}
}

func (n *Notifier) run() {
	for {
		select {
		case poke := <-n.pokeCh:
			n.broadcast(poke)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) broadcast(poke Poke) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for sub := range n.subscribers {
		select {
		case sub <- poke:
		default:
			// Subscriber buffer full; safe to skip, pokes are only hints
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}
