// Package discovery announces this device over mDNS and tracks peers
// doing the same.
package discovery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/landrop/landrop/internal/events"
	"github.com/landrop/landrop/internal/logging"
	"github.com/landrop/landrop/internal/metrics"
)

// Peer is another device announcing itself on the local network.
type Peer struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Addr     string    `json:"addr"`
	Port     int       `json:"port"`
	OS       string    `json:"os"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"lastSeen"`
}

// URL returns the base HTTP address of the peer.
func (p Peer) URL() string {
	return fmt.Sprintf("http://%s:%d", p.Addr, p.Port)
}

// Registry holds the current peer set. All map access happens on a single
// goroutine; callers interact through channels, so snapshots never race
// with browse results or expiry sweeps.
type Registry struct {
	ttl         time.Duration
	broadcaster *events.Broadcaster

	updates   chan Peer
	snapshots chan chan []Peer
	stop      chan struct{}
	stopOnce  sync.Once
	finished  chan struct{}
}

// NewRegistry creates a registry expiring peers not seen within ttl.
// The broadcaster may be nil.
func NewRegistry(ttl time.Duration, b *events.Broadcaster) *Registry {
	r := &Registry{
		ttl:         ttl,
		broadcaster: b,
		updates:     make(chan Peer, 16),
		snapshots:   make(chan chan []Peer),
		stop:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Upsert records a peer sighting. Safe to call after Close.
func (r *Registry) Upsert(p Peer) {
	select {
	case r.updates <- p:
	case <-r.stop:
	}
}

// Snapshot returns a copy of the live peer set, sorted by name.
func (r *Registry) Snapshot() []Peer {
	reply := make(chan []Peer, 1)
	select {
	case r.snapshots <- reply:
		return <-reply
	case <-r.stop:
		return nil
	}
}

// Close stops the registry goroutine. Idempotent.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.finished
}

func (r *Registry) run() {
	defer close(r.finished)

	peers := make(map[string]Peer)
	sweep := time.NewTicker(r.ttl / 2)
	defer sweep.Stop()

	for {
		select {
		case p := <-r.updates:
			p.LastSeen = time.Now()
			_, known := peers[p.ID]
			peers[p.ID] = p
			if !known {
				logging.Info("peer discovered",
					zap.String("peer_id", p.ID),
					zap.String("name", p.Name),
					zap.String("addr", p.Addr),
					zap.Int("port", p.Port))
				r.announce(events.EventPeerUp, p)
			}
			metrics.SetPeersDiscovered(int64(len(peers)))

		case <-sweep.C:
			cutoff := time.Now().Add(-r.ttl)
			for id, p := range peers {
				if p.LastSeen.Before(cutoff) {
					delete(peers, id)
					logging.Info("peer expired",
						zap.String("peer_id", id),
						zap.String("name", p.Name))
					r.announce(events.EventPeerDown, p)
				}
			}
			metrics.SetPeersDiscovered(int64(len(peers)))

		case reply := <-r.snapshots:
			out := make([]Peer, 0, len(peers))
			for _, p := range peers {
				out = append(out, p)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
			reply <- out

		case <-r.stop:
			return
		}
	}
}

func (r *Registry) announce(eventType string, p Peer) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Publish(events.Event{Type: eventType, Peer: p.Name})
}
