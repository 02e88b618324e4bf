package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/landrop/landrop/internal/events"
	"github.com/landrop/landrop/internal/logging"
	"github.com/landrop/landrop/internal/netutil"
)

const (
	serviceType   = "_landrop._tcp"
	serviceDomain = "local."
)

// Service announces this device via mDNS and browses for peers. Announce
// and browse failures are logged, not fatal: the transfer server keeps
// working without discovery.
type Service struct {
	registry *Registry
	server   *zeroconf.Server
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Start announces device on the local network and begins browsing for
// peers, feeding sightings into a new registry.
func Start(ctx context.Context, device netutil.DeviceInfo, version string, ttl time.Duration, b *events.Broadcaster) *Service {
	browseCtx, cancel := context.WithCancel(ctx)
	s := &Service{
		registry: NewRegistry(ttl, b),
		cancel:   cancel,
	}

	txt := []string{
		"id=" + device.ID,
		"name=" + device.Name,
		"os=" + device.OS,
		"v=" + version,
	}
	server, err := zeroconf.Register(device.Name, serviceType, serviceDomain, device.Port, txt, nil)
	if err != nil {
		logging.Warn("mdns announce failed, running undiscoverable", zap.Error(err))
	} else {
		s.server = server
		logging.Info("announcing on local network",
			zap.String("instance", device.Name),
			zap.String("service", serviceType),
			zap.Int("port", device.Port))
	}

	go s.browse(browseCtx, device.ID)
	return s
}

// Peers returns the currently known peer set.
func (s *Service) Peers() []Peer {
	return s.registry.Snapshot()
}

// Stop withdraws the announcement and halts browsing. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.server != nil {
			s.server.Shutdown()
		}
		s.registry.Close()
	})
}

// browse runs resolver sessions until ctx is canceled, restarting after
// transient failures.
func (s *Service) browse(ctx context.Context, selfID string) {
	for {
		if err := s.browseOnce(ctx, selfID); err != nil && ctx.Err() == nil {
			logging.Warn("mdns browse failed, retrying", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Service) browseOnce(ctx context.Context, selfID string) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return err
	}

	for entry := range entries {
		peer, ok := peerFromEntry(entry)
		if !ok || peer.ID == selfID {
			continue
		}
		s.registry.Upsert(peer)
	}
	return nil
}

// peerFromEntry converts a browse result. Entries without an id TXT
// record or a resolvable IPv4 address are ignored.
func peerFromEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	txt := parseTXT(entry.Text)
	id := txt["id"]
	if id == "" || len(entry.AddrIPv4) == 0 {
		return Peer{}, false
	}
	name := txt["name"]
	if name == "" {
		name = entry.Instance
	}
	return Peer{
		ID:      id,
		Name:    name,
		Addr:    entry.AddrIPv4[0].String(),
		Port:    entry.Port,
		OS:      txt["os"],
		Version: txt["v"],
	}, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		key, value, found := strings.Cut(rec, "=")
		if found && key != "" {
			out[key] = value
		}
	}
	return out
}
