package lights

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lightfx/internal/logger"
)

const (
	kasaPort       = "9999"
	kasaInitialKey = 171
	kasaMaxReply   = 64 << 10
	kasaLightSvc   = "smartlife.iot.smartbulb.lightingservice"
)

// kasaEncode XORs payload with the autokey cipher and prefixes the
// big-endian length.
func kasaEncode(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	key := byte(kasaInitialKey)
	for i, c := range payload {
		key ^= c
		out[4+i] = key
	}
	return out
}

// kasaDecode reverses the cipher on a body without its length prefix.
func kasaDecode(body []byte) []byte {
	out := make([]byte, len(body))
	key := byte(kasaInitialKey)
	for i, c := range body {
		out[i] = key ^ c
		key = c
	}
	return out
}

type kasaLightState struct {
	OnOff      int             `json:"on_off"`
	Hue        int             `json:"hue"`
	Saturation int             `json:"saturation"`
	Brightness int             `json:"brightness"`
	DftOnState *kasaLightState `json:"dft_on_state,omitempty"`
}

type kasaSysinfo struct {
	Alias      string          `json:"alias"`
	Model      string          `json:"model"`
	MAC        string          `json:"mac"`
	MicMAC     string          `json:"mic_mac"`
	IsColor    int             `json:"is_color"`
	IsDimmable int             `json:"is_dimmable"`
	RelayState *int            `json:"relay_state"`
	LightState *kasaLightState `json:"light_state"`
}

// kasaClient speaks the TP-Link smart-home protocol to one device over TCP.
type kasaClient struct {
	addr    string
	timeout time.Duration
}

func (c kasaClient) call(ctx context.Context, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(kasaEncode(payload)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > kasaMaxReply {
		return fmt.Errorf("reply of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(kasaDecode(body), resp); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func (c kasaClient) sysinfo(ctx context.Context) (kasaSysinfo, error) {
	var resp struct {
		System struct {
			GetSysinfo kasaSysinfo `json:"get_sysinfo"`
		} `json:"system"`
	}
	req := map[string]any{"system": map[string]any{"get_sysinfo": struct{}{}}}
	if err := c.call(ctx, req, &resp); err != nil {
		return kasaSysinfo{}, err
	}
	return resp.System.GetSysinfo, nil
}

type kasaReply struct {
	ErrCode int    `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

func (r kasaReply) err() error {
	if r.ErrCode != 0 {
		return fmt.Errorf("device error %d: %s", r.ErrCode, r.ErrMsg)
	}
	return nil
}

func (c kasaClient) transition(ctx context.Context, args map[string]any) error {
	var resp map[string]map[string]kasaReply
	req := map[string]any{kasaLightSvc: map[string]any{"transition_light_state": args}}
	if err := c.call(ctx, req, &resp); err != nil {
		return err
	}
	return resp[kasaLightSvc]["transition_light_state"].err()
}

func (c kasaClient) relay(ctx context.Context, on bool) error {
	var resp map[string]map[string]kasaReply
	req := map[string]any{"system": map[string]any{"set_relay_state": map[string]any{"state": boolInt(on)}}}
	if err := c.call(ctx, req, &resp); err != nil {
		return err
	}
	return resp["system"]["set_relay_state"].err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// KasaDiscoverer queries a fixed list of TP-Link Kasa hosts.
type KasaDiscoverer struct {
	hosts   []string
	timeout time.Duration
	log     zerolog.Logger
}

// NewKasaDiscoverer builds a discoverer for hosts. Entries without a port use
// the default Kasa port.
func NewKasaDiscoverer(hosts []string, timeout time.Duration) *KasaDiscoverer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &KasaDiscoverer{
		hosts:   append([]string(nil), hosts...),
		timeout: timeout,
		log:     logger.Component("kasa"),
	}
}

func (d *KasaDiscoverer) Brand() Brand { return BrandKasa }

// Discover queries every host concurrently. Hosts that fail are reported in
// the returned error while the others are still returned.
func (d *KasaDiscoverer) Discover(ctx context.Context) ([]Light, error) {
	found := make([]*KasaLight, len(d.hosts))
	errs := make([]error, len(d.hosts))

	var wg sync.WaitGroup
	for i, host := range d.hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			l, err := d.probe(ctx, host)
			if err != nil {
				d.log.Warn().Err(err).Str("host", host).Msg("kasa host unreachable")
				errs[i] = fmt.Errorf("%s: %w", host, err)
				return
			}
			found[i] = l
		}(i, host)
	}
	wg.Wait()

	var result []Light
	for _, l := range found {
		if l != nil {
			result = append(result, l)
		}
	}
	return result, errors.Join(errs...)
}

func (d *KasaDiscoverer) probe(ctx context.Context, host string) (*KasaLight, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, kasaPort)
	}
	client := kasaClient{addr: addr, timeout: d.timeout}

	info, err := client.sysinfo(ctx)
	if err != nil {
		return nil, err
	}

	mac := info.MicMAC
	if mac == "" {
		mac = info.MAC
	}
	if mac == "" {
		mac = host
	}
	mac = strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(mac))

	name := info.Alias
	if name == "" {
		name = "Kasa " + host
	}

	l := &KasaLight{
		identity: identity{id: "kasa:" + mac, name: name, brand: BrandKasa, color: info.IsColor == 1},
		client:   client,
		bulb:     info.LightState != nil,
		dimmable: info.LightState != nil || info.IsDimmable == 1,
	}

	switch {
	case info.LightState != nil:
		ls := *info.LightState
		on := ls.OnOff == 1
		if !on && ls.DftOnState != nil {
			ls = *ls.DftOnState
		}
		l.cache.state = State{On: on, Hue: ls.Hue, Saturation: ls.Saturation, Brightness: ls.Brightness}
	case info.RelayState != nil:
		l.cache.state = State{On: *info.RelayState == 1, Brightness: MaxBrightness}
	}
	return l, nil
}

func (d *KasaDiscoverer) Close() error { return nil }

// KasaLight is a Kasa smart bulb, or a smart plug driven through its relay.
type KasaLight struct {
	identity
	cache    stateCache
	client   kasaClient
	bulb     bool
	dimmable bool
}

func (l *KasaLight) State() State { return l.cache.State() }

func (l *KasaLight) SetColor(ctx context.Context, hue, saturation, brightness int, transition time.Duration) error {
	if err := ValidateColor(hue, saturation, brightness); err != nil {
		return err
	}
	if !l.color {
		return nil
	}
	err := l.client.transition(ctx, map[string]any{
		"on_off":            1,
		"hue":               hue,
		"saturation":        saturation,
		"brightness":        brightness,
		"color_temp":        0,
		"transition_period": transition.Milliseconds(),
	})
	if err != nil {
		return deviceErr(l.id, "set_color", err)
	}
	l.cache.setColor(hue, saturation, brightness)
	return nil
}

func (l *KasaLight) SetBrightness(ctx context.Context, brightness int, transition time.Duration) error {
	if err := ValidateBrightness(brightness); err != nil {
		return err
	}
	if !l.bulb || !l.dimmable {
		return nil
	}
	err := l.client.transition(ctx, map[string]any{
		"on_off":            1,
		"brightness":        brightness,
		"transition_period": transition.Milliseconds(),
	})
	if err != nil {
		return deviceErr(l.id, "set_brightness", err)
	}
	l.cache.setBrightness(brightness)
	return nil
}

func (l *KasaLight) On(ctx context.Context) error  { return l.setPower(ctx, true) }
func (l *KasaLight) Off(ctx context.Context) error { return l.setPower(ctx, false) }

func (l *KasaLight) setPower(ctx context.Context, on bool) error {
	var err error
	if l.bulb {
		err = l.client.transition(ctx, map[string]any{"on_off": boolInt(on)})
	} else {
		err = l.client.relay(ctx, on)
	}
	if err != nil {
		op := "off"
		if on {
			op = "on"
		}
		return deviceErr(l.id, op, err)
	}
	l.cache.setPower(on)
	return nil
}
