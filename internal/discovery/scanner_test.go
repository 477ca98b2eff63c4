package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeQuery(entries map[string][]*mdns.ServiceEntry) func(*mdns.QueryParam) error {
	return func(p *mdns.QueryParam) error {
		for _, e := range entries[p.Service] {
			p.Entries <- e
		}
		return nil
	}
}

func newTestScanner() *Scanner {
	s := NewScanner()
	s.MDNSTimeout = 100 * time.Millisecond
	s.CloudURLs = nil
	s.query = fakeQuery(nil)
	s.subnets = func() []string { return nil }
	return s
}

func TestBrowseDeduplicates(t *testing.T) {
	s := newTestScanner()
	s.query = fakeQuery(map[string][]*mdns.ServiceEntry{
		elgatoService: {
			{Name: "Key Light A", AddrV4: net.ParseIP("192.168.1.40")},
			{Name: "Key Light A", AddrV4: net.ParseIP("192.168.1.40")},
			{Name: "no address"},
			{Name: "Key Light B", AddrV4: net.ParseIP("192.168.1.12")},
		},
	})

	found, err := s.FindElgatoLights(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.12", "192.168.1.40"}, found)
}

func TestFindElgatoLightsNothing(t *testing.T) {
	s := newTestScanner()
	_, err := s.FindElgatoLights(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProbeBoundsConcurrency(t *testing.T) {
	s := newTestScanner()
	s.Concurrency = 3

	var inFlight, peak atomic.Int32
	hosts := expandSubnet("10.0.0")[:30]
	found := s.probe(context.Background(), hosts, func(_ context.Context, host string) bool {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return host == "10.0.0.7" || host == "10.0.0.12"
	})

	assert.Equal(t, []string{"10.0.0.12", "10.0.0.7"}, found)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestIsElgatoKeyLight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elgato/accessory-info" {
			_, _ = w.Write([]byte(`{"productName":"Elgato Key Light"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	s := newTestScanner()
	s.ElgatoPort, err = strconv.Atoi(port)
	require.NoError(t, err)
	assert.True(t, s.isElgatoKeyLight(context.Background(), host))

	s.ElgatoPort = 1
	assert.False(t, s.isElgatoKeyLight(context.Background(), host))
}

func TestHueBridgesFromCloud(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"001788fffe123456","internalipaddress":"192.168.1.2"},{"id":"x","internalipaddress":""}]`))
	}))
	defer srv.Close()

	s := newTestScanner()
	s.CloudURLs = []string{srv.URL}
	s.query = fakeQuery(map[string][]*mdns.ServiceEntry{
		hueService: {{Name: "Hue Bridge", AddrV4: net.ParseIP("192.168.1.2")}},
	})

	bridges := s.HueBridges(context.Background())
	require.Len(t, bridges, 1, "mDNS and cloud results are merged")
	assert.Equal(t, "192.168.1.2", bridges[0].IP)

	ip, err := s.FindHueBridge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.2", ip)
}

func TestFindHueBridgeNothing(t *testing.T) {
	s := newTestScanner()
	_, err := s.FindHueBridge(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpandSubnet(t *testing.T) {
	ips := expandSubnet("192.168.7")
	require.Len(t, ips, 254)
	assert.Equal(t, "192.168.7.1", ips[0])
	assert.Equal(t, "192.168.7.254", ips[253])
}
