package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// Peer is one advertised peerchat listener.
type Peer struct {
	DeviceID  string
	Name      string
	HostName  string
	Port      int
	Version   int
	Addresses []string
}

// Host returns the address to dial, preferring a resolved IP.
func (p Peer) Host() string {
	if len(p.Addresses) > 0 {
		return p.Addresses[0]
	}
	return strings.TrimSuffix(p.HostName, ".")
}

// Endpoint returns host:port.
func (p Peer) Endpoint() string {
	return net.JoinHostPort(p.Host(), strconv.Itoa(p.Port))
}

// Browse collects peers for one browse window and returns them sorted by
// name. Entries carrying config.DeviceID are skipped.
func Browse(ctx context.Context, config Config) ([]Peer, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Peer)
	collectorDone := make(chan struct{})

	add := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		if peer, ok := parseEntry(entry, cfg.DeviceID); ok {
			collected[peer.DeviceID] = peer
		}
	}

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				// Keep entries that were already buffered when the window closed.
				for in != nil {
					select {
					case entry, ok := <-in:
						if !ok {
							return
						}
						add(entry)
					default:
						return
					}
				}
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				add(entry)
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	peers := make([]Peer, 0, len(collected))
	for _, peer := range collected {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name == peers[j].Name {
			return peers[i].DeviceID < peers[j].DeviceID
		}
		return peers[i].Name < peers[j].Name
	})

	cfg.Logger.WithFields(logrus.Fields{
		"function": "Browse",
		"service":  cfg.Service,
		"peers":    len(peers),
	}).Debug("mDNS browse finished")

	// Cancellation by the caller is reported; the window expiring is not.
	if err := ctx.Err(); err != nil {
		return peers, err
	}
	return peers, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID || entry.Port <= 0 {
		return Peer{}, false
	}

	version := 0
	if parsed, err := strconv.Atoi(txt["version"]); err == nil {
		version = parsed
	}

	seen := make(map[string]struct{})
	var addresses []string
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	// IPv4 first, then lexical, so Host picks a stable dialable address.
	sort.SliceStable(addresses, func(i, j int) bool {
		iv4 := net.ParseIP(addresses[i]).To4() != nil
		jv4 := net.ParseIP(addresses[j]).To4() != nil
		if iv4 != jv4 {
			return iv4
		}
		return addresses[i] < addresses[j]
	})

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return Peer{
		DeviceID:  deviceID,
		Name:      name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Version:   version,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
