package lights

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openhue/openhue-go"
	"github.com/rs/zerolog"

	"lightfx/internal/logger"
)

// BridgeLocator finds a Hue bridge address when none is configured.
type BridgeLocator func(ctx context.Context) (string, error)

// HueDiscoverer lists the lights of one Hue bridge over the CLIP v2 API.
type HueDiscoverer struct {
	bridgeIP string
	appKey   string
	locate   BridgeLocator
	log      zerolog.Logger
}

// NewHueDiscoverer builds a discoverer for the bridge at bridgeIP. When
// bridgeIP is empty, locate (if non-nil) is asked for an address at discovery
// time.
func NewHueDiscoverer(bridgeIP, appKey string, locate BridgeLocator) *HueDiscoverer {
	return &HueDiscoverer{
		bridgeIP: bridgeIP,
		appKey:   appKey,
		locate:   locate,
		log:      logger.Component("hue"),
	}
}

func (d *HueDiscoverer) Brand() Brand { return BrandHue }

func (d *HueDiscoverer) client(ip string) (*openhue.ClientWithResponses, error) {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			// Bridges present a self-signed certificate.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	appKey := d.appKey
	return openhue.NewClientWithResponses(
		fmt.Sprintf("https://%s", ip),
		openhue.WithHTTPClient(httpClient),
		openhue.WithRequestEditorFn(func(ctx context.Context, req *http.Request) error {
			req.Header.Set("hue-application-key", appKey)
			return nil
		}),
	)
}

func (d *HueDiscoverer) Discover(ctx context.Context) ([]Light, error) {
	if d.appKey == "" {
		return nil, errors.New("no hue application key configured")
	}

	ip := d.bridgeIP
	if ip == "" {
		if d.locate == nil {
			return nil, errors.New("no hue bridge configured")
		}
		found, err := d.locate(ctx)
		if err != nil {
			return nil, fmt.Errorf("locate bridge: %w", err)
		}
		ip = found
		d.log.Info().Str("bridge", ip).Msg("located hue bridge")
	}

	client, err := d.client(ip)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", ip, err)
	}

	resp, err := client.GetLightsWithResponse(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", ip, err)
	}
	if resp.JSON200 == nil || resp.JSON200.Data == nil {
		status := 0
		if resp.HTTPResponse != nil {
			status = resp.HTTPResponse.StatusCode
		}
		return nil, fmt.Errorf("bridge %s returned no light data (HTTP %d)", ip, status)
	}

	var result []Light
	for _, l := range *resp.JSON200.Data {
		if l.Id == nil {
			continue
		}
		name := "Hue Light"
		if l.Metadata != nil && l.Metadata.Name != nil {
			name = *l.Metadata.Name
		}

		light := &HueLight{
			identity: identity{id: "hue:" + *l.Id, name: name, brand: BrandHue, color: l.Color != nil},
			lightID:  *l.Id,
			client:   client,
		}
		light.cache.update(func(st *State) {
			if l.On != nil && l.On.On != nil {
				st.On = *l.On.On
			}
			if l.Dimming != nil && l.Dimming.Brightness != nil {
				st.Brightness = int(float64(*l.Dimming.Brightness) + 0.5)
			}
		})
		result = append(result, light)
	}
	d.log.Debug().Str("bridge", ip).Int("lights", len(result)).Msg("hue lights listed")
	return result, nil
}

func (d *HueDiscoverer) Close() error { return nil }

// HueLight is one light resource on a Hue bridge.
type HueLight struct {
	identity
	cache   stateCache
	lightID string
	client  *openhue.ClientWithResponses
}

func (l *HueLight) State() State { return l.cache.State() }

func (l *HueLight) update(ctx context.Context, op string, body openhue.UpdateLightJSONRequestBody, transition time.Duration) error {
	payload, err := huePayload(body, transition)
	if err != nil {
		return deviceErr(l.id, op, err)
	}
	resp, err := l.client.UpdateLightWithBodyWithResponse(ctx, l.lightID, "application/json", bytes.NewReader(payload))
	if err != nil {
		return deviceErr(l.id, op, err)
	}
	if resp.HTTPResponse != nil && resp.HTTPResponse.StatusCode != http.StatusOK {
		return deviceErr(l.id, op, fmt.Errorf("bridge returned HTTP %d", resp.HTTPResponse.StatusCode))
	}
	return nil
}

// huePayload encodes an update and adds dynamics.duration (ms) when a
// transition is requested.
func huePayload(body openhue.UpdateLightJSONRequestBody, transition time.Duration) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil || transition <= 0 {
		return data, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	dyn, err := json.Marshal(map[string]int64{"duration": transition.Milliseconds()})
	if err != nil {
		return nil, err
	}
	fields["dynamics"] = dyn
	return json.Marshal(fields)
}

// SetColor sends the chromaticity of the hue/saturation pair and uses the
// third component as dimming level.
func (l *HueLight) SetColor(ctx context.Context, hue, saturation, brightness int, transition time.Duration) error {
	if err := ValidateColor(hue, saturation, brightness); err != nil {
		return err
	}
	if !l.color {
		return nil
	}

	on := true
	dim := openhue.Brightness(brightness)
	x, y := RGBToXY(HSVToRGB(hue, saturation, MaxBrightness))
	xf, yf := float32(x), float32(y)
	body := openhue.UpdateLightJSONRequestBody{
		On:      &openhue.On{On: &on},
		Dimming: &openhue.Dimming{Brightness: &dim},
		Color:   &openhue.Color{Xy: &openhue.GamutPosition{X: &xf, Y: &yf}},
	}
	if err := l.update(ctx, "set_color", body, transition); err != nil {
		return err
	}
	l.cache.setColor(hue, saturation, brightness)
	return nil
}

func (l *HueLight) SetBrightness(ctx context.Context, brightness int, transition time.Duration) error {
	if err := ValidateBrightness(brightness); err != nil {
		return err
	}
	on := true
	dim := openhue.Brightness(brightness)
	body := openhue.UpdateLightJSONRequestBody{
		On:      &openhue.On{On: &on},
		Dimming: &openhue.Dimming{Brightness: &dim},
	}
	if err := l.update(ctx, "set_brightness", body, transition); err != nil {
		return err
	}
	l.cache.setBrightness(brightness)
	return nil
}

func (l *HueLight) On(ctx context.Context) error  { return l.setPower(ctx, true) }
func (l *HueLight) Off(ctx context.Context) error { return l.setPower(ctx, false) }

func (l *HueLight) setPower(ctx context.Context, on bool) error {
	op := "off"
	if on {
		op = "on"
	}
	if err := l.update(ctx, op, openhue.UpdateLightJSONRequestBody{On: &openhue.On{On: &on}}, 0); err != nil {
		return err
	}
	l.cache.setPower(on)
	return nil
}
