// Package discovery locates Hue bridges and Elgato Key Lights on the local
// network when their addresses are not configured.
package discovery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"lightfx/internal/logger"
)

const (
	elgatoService = "_elg._tcp"
	hueService    = "_hue._tcp"
	elgatoPort    = 9123
)

// ErrNotFound is returned when no device of the requested kind answered.
var ErrNotFound = errors.New("no device found")

// HueBridge is a bridge found on the network.
type HueBridge struct {
	IP   string `json:"ip"`
	Name string `json:"name"`
}

// Scanner finds devices by mDNS first, then by cloud lookup (Hue only),
// then by probing every address of the local /24 subnets.
type Scanner struct {
	MDNSTimeout  time.Duration
	ProbeTimeout time.Duration
	Concurrency  int
	CloudURLs    []string
	ElgatoPort   int

	query   func(*mdns.QueryParam) error
	subnets func() []string
	log     zerolog.Logger
}

func NewScanner() *Scanner {
	return &Scanner{
		MDNSTimeout:  3 * time.Second,
		ProbeTimeout: 800 * time.Millisecond,
		Concurrency:  50,
		CloudURLs:    []string{"https://discovery.meethue.com/"},
		ElgatoPort:   elgatoPort,
		query:        mdns.Query,
		subnets:      localSubnets,
		log:          logger.Component("scanner"),
	}
}

// FindElgatoLights returns the addresses of Key Lights, suitable for
// lights.NewElgatoDiscoverer.
func (s *Scanner) FindElgatoLights(ctx context.Context) ([]string, error) {
	found := s.browse(ctx, elgatoService)
	s.log.Debug().Int("found", len(found)).Msg("mDNS elgato lookup finished")
	if len(found) == 0 && ctx.Err() == nil {
		found = s.probe(ctx, s.subnetHosts(), s.isElgatoKeyLight)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("elgato: %w", ErrNotFound)
	}
	return found, nil
}

// FindHueBridge returns the first bridge found, suitable as a
// lights.BridgeLocator.
func (s *Scanner) FindHueBridge(ctx context.Context) (string, error) {
	bridges := s.HueBridges(ctx)
	if len(bridges) == 0 {
		return "", fmt.Errorf("hue bridge: %w", ErrNotFound)
	}
	return bridges[0].IP, nil
}

// HueBridges runs mDNS and the cloud lookup concurrently and falls back to a
// subnet probe when both come back empty.
func (s *Scanner) HueBridges(ctx context.Context) []HueBridge {
	var (
		mu      sync.Mutex
		seen    = make(map[string]bool)
		bridges []HueBridge
	)
	add := func(ip, name string) {
		mu.Lock()
		defer mu.Unlock()
		if seen[ip] {
			return
		}
		seen[ip] = true
		bridges = append(bridges, HueBridge{IP: ip, Name: name})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, ip := range s.browse(ctx, hueService) {
			add(ip, "Hue Bridge")
		}
	}()
	go func() {
		defer wg.Done()
		s.hueViaCloud(ctx, add)
	}()
	wg.Wait()

	if len(bridges) == 0 && ctx.Err() == nil {
		s.log.Debug().Msg("mDNS and cloud found no hue bridge, probing subnets")
		for _, ip := range s.probe(ctx, s.subnetHosts(), s.isHueBridge) {
			add(ip, "Hue Bridge")
		}
	}

	sort.Slice(bridges, func(i, j int) bool { return bridges[i].IP < bridges[j].IP })
	return bridges
}

// browse returns the distinct IPv4 addresses announcing service.
func (s *Scanner) browse(ctx context.Context, service string) []string {
	entries := make(chan *mdns.ServiceEntry, 16)

	go func() {
		params := &mdns.QueryParam{
			Service:             service,
			Domain:              "local",
			Timeout:             s.MDNSTimeout,
			Entries:             entries,
			DisableIPv6:         true,
			WantUnicastResponse: true,
		}
		if err := s.query(params); err != nil {
			s.log.Debug().Err(err).Str("service", service).Msg("mDNS query failed")
		}
		close(entries)
	}()

	seen := make(map[string]bool)
	var found []string
	for entry := range entries {
		if ctx.Err() != nil || entry == nil || entry.AddrV4 == nil {
			continue
		}
		addr := entry.AddrV4.String()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		s.log.Debug().Str("service", service).Str("name", entry.Name).Str("addr", addr).Msg("mDNS entry")
		found = append(found, addr)
	}
	sort.Strings(found)
	return found
}

// probe runs check against hosts with bounded concurrency and returns the
// hosts that matched, sorted.
func (s *Scanner) probe(ctx context.Context, hosts []string, check func(context.Context, string) bool) []string {
	var (
		mu    sync.Mutex
		found []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Concurrency, 1))
	for _, host := range hosts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if check(gctx, host) {
				mu.Lock()
				found = append(found, host)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(found)
	return found
}

func (s *Scanner) subnetHosts() []string {
	var hosts []string
	for _, prefix := range s.subnets() {
		s.log.Debug().Str("subnet", prefix+".0/24").Msg("probing subnet")
		hosts = append(hosts, expandSubnet(prefix)...)
	}
	return hosts
}

func (s *Scanner) isElgatoKeyLight(ctx context.Context, host string) bool {
	client := &http.Client{Timeout: s.ProbeTimeout}
	url := fmt.Sprintf("http://%s/elgato/accessory-info", net.JoinHostPort(host, fmt.Sprint(s.ElgatoPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Scanner) isHueBridge(ctx context.Context, host string) bool {
	client := &http.Client{
		Timeout: s.ProbeTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/api/0/config", host), nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var config struct {
		BridgeID string `json:"bridgeid"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&config); err != nil {
		return false
	}
	return config.BridgeID != ""
}

func (s *Scanner) hueViaCloud(ctx context.Context, add func(ip, name string)) {
	client := &http.Client{Timeout: 5 * time.Second}

	for _, url := range s.CloudURLs {
		if ctx.Err() != nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			s.log.Debug().Err(err).Str("url", url).Msg("hue cloud lookup failed")
			continue
		}

		var results []struct {
			ID                string `json:"id"`
			InternalIPAddress string `json:"internalipaddress"`
		}
		err = func() error {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			return json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&results)
		}()
		if err != nil {
			s.log.Debug().Err(err).Str("url", url).Msg("hue cloud lookup failed")
			continue
		}

		found := false
		for _, r := range results {
			if r.InternalIPAddress == "" {
				continue
			}
			name := "Hue Bridge"
			if len(r.ID) >= 6 {
				name = "Hue Bridge (" + r.ID[len(r.ID)-6:] + ")"
			}
			add(r.InternalIPAddress, name)
			found = true
		}
		if found {
			return
		}
	}
}

// localSubnets returns the /24 prefixes of up, non-loopback IPv4 interfaces.
func localSubnets() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var subnets []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			ones, bits := ipNet.Mask.Size()
			if ones == 0 || bits == 0 || ones > 24 {
				continue
			}
			prefix := fmt.Sprintf("%d.%d.%d", ip[0], ip[1], ip[2])
			if !seen[prefix] {
				seen[prefix] = true
				subnets = append(subnets, prefix)
			}
		}
	}
	return subnets
}

func expandSubnet(prefix string) []string {
	ips := make([]string, 0, 254)
	for i := 1; i <= 254; i++ {
		ips = append(ips, fmt.Sprintf("%s.%d", prefix, i))
	}
	return ips
}
