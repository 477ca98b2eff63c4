package lights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"lightfx/internal/logger"
)

// SmartThingsDiscoverer lists switch-capable devices from the SmartThings
// cloud API. Requests share one rate limiter and one circuit breaker so a
// dead or throttling API fails fast instead of stalling every frame.
type SmartThingsDiscoverer struct {
	api *smartThingsAPI
	log zerolog.Logger
}

type smartThingsAPI struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewSmartThingsDiscoverer(baseURL, token string) *SmartThingsDiscoverer {
	log := logger.Component("smartthings")
	return &SmartThingsDiscoverer{
		api: &smartThingsAPI{
			base:    strings.TrimRight(baseURL, "/"),
			token:   token,
			http:    &http.Client{Timeout: 10 * time.Second},
			limiter: rate.NewLimiter(10, 20),
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "smartthings",
				MaxRequests: 1,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
				},
			}),
		},
		log: log,
	}
}

func (d *SmartThingsDiscoverer) Brand() Brand { return BrandSmartThings }

type smartThingsDevice struct {
	DeviceID   string `json:"deviceId"`
	Label      string `json:"label"`
	Name       string `json:"name"`
	Components []struct {
		ID           string `json:"id"`
		Capabilities []struct {
			ID string `json:"id"`
		} `json:"capabilities"`
	} `json:"components"`
}

func (dev smartThingsDevice) capabilities() map[string]bool {
	caps := make(map[string]bool)
	for _, c := range dev.Components {
		if c.ID != "main" {
			continue
		}
		for _, capability := range c.Capabilities {
			caps[capability.ID] = true
		}
	}
	return caps
}

// Discover returns every device whose main component has the switch
// capability.
func (d *SmartThingsDiscoverer) Discover(ctx context.Context) ([]Light, error) {
	if d.api.token == "" {
		return nil, errors.New("no API token configured")
	}

	var page struct {
		Items []smartThingsDevice `json:"items"`
		Links struct {
			Next *struct {
				Href string `json:"href"`
			} `json:"next"`
		} `json:"_links"`
	}

	var result []Light
	next := d.api.base + "/devices"
	for next != "" {
		page.Items, page.Links.Next = nil, nil
		if err := d.api.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return result, err
		}
		for _, dev := range page.Items {
			caps := dev.capabilities()
			if !caps["switch"] {
				continue
			}
			name := dev.Label
			if name == "" {
				name = dev.Name
			}
			result = append(result, &SmartThingsLight{
				identity: identity{id: "smartthings:" + dev.DeviceID, name: name, brand: BrandSmartThings, color: caps["colorControl"]},
				deviceID: dev.DeviceID,
				dimmable: caps["switchLevel"],
				api:      d.api,
			})
		}
		next = ""
		if page.Links.Next != nil {
			next = page.Links.Next.Href
		}
	}
	d.log.Debug().Int("lights", len(result)).Msg("smartthings devices listed")
	return result, nil
}

func (d *SmartThingsDiscoverer) Close() error {
	d.api.http.CloseIdleConnections()
	return nil
}

func (a *smartThingsAPI) do(ctx context.Context, method, rawURL string, body, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := a.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, rawURL, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

type smartThingsCommand struct {
	Component  string `json:"component"`
	Capability string `json:"capability"`
	Command    string `json:"command"`
	Arguments  []any  `json:"arguments,omitempty"`
}

func (a *smartThingsAPI) command(ctx context.Context, deviceID string, cmds ...smartThingsCommand) error {
	body := struct {
		Commands []smartThingsCommand `json:"commands"`
	}{Commands: cmds}
	return a.do(ctx, http.MethodPost, a.base+"/devices/"+url.PathEscape(deviceID)+"/commands", body, nil)
}

// SmartThingsLight is a cloud-connected switch, dimmer or colour bulb.
type SmartThingsLight struct {
	identity
	cache    stateCache
	deviceID string
	dimmable bool
	api      *smartThingsAPI
}

func (l *SmartThingsLight) State() State { return l.cache.State() }

// SetColor sends colorControl.setColor. SmartThings expresses hue as a
// percentage of the full circle.
func (l *SmartThingsLight) SetColor(ctx context.Context, hue, saturation, brightness int, _ time.Duration) error {
	if err := ValidateColor(hue, saturation, brightness); err != nil {
		return err
	}
	if !l.color {
		return nil
	}
	cmds := []smartThingsCommand{{
		Component:  "main",
		Capability: "colorControl",
		Command:    "setColor",
		Arguments: []any{map[string]any{
			"hue":        math.Round(float64(hue)/MaxHue*100*100) / 100,
			"saturation": saturation,
		}},
	}}
	if l.dimmable {
		cmds = append(cmds, smartThingsCommand{Component: "main", Capability: "switchLevel", Command: "setLevel", Arguments: []any{brightness}})
	}
	if err := l.api.command(ctx, l.deviceID, cmds...); err != nil {
		return deviceErr(l.id, "set_color", err)
	}
	l.cache.setColor(hue, saturation, brightness)
	return nil
}

func (l *SmartThingsLight) SetBrightness(ctx context.Context, brightness int, _ time.Duration) error {
	if err := ValidateBrightness(brightness); err != nil {
		return err
	}
	if !l.dimmable {
		return nil
	}
	err := l.api.command(ctx, l.deviceID, smartThingsCommand{Component: "main", Capability: "switchLevel", Command: "setLevel", Arguments: []any{brightness}})
	if err != nil {
		return deviceErr(l.id, "set_brightness", err)
	}
	l.cache.setBrightness(brightness)
	return nil
}

func (l *SmartThingsLight) On(ctx context.Context) error {
	if err := l.api.command(ctx, l.deviceID, smartThingsCommand{Component: "main", Capability: "switch", Command: "on"}); err != nil {
		return deviceErr(l.id, "on", err)
	}
	l.cache.setPower(true)
	return nil
}

func (l *SmartThingsLight) Off(ctx context.Context) error {
	if err := l.api.command(ctx, l.deviceID, smartThingsCommand{Component: "main", Capability: "switch", Command: "off"}); err != nil {
		return deviceErr(l.id, "off", err)
	}
	l.cache.setPower(false)
	return nil
}
