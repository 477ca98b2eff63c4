// Package notify publishes the active effect to an MQTT broker so home
// automation can follow what the lights are doing.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"lightfx/internal/logger"
	"lightfx/internal/supervisor"
)

// Publisher reports effect status changes.
type Publisher interface {
	Publish(ctx context.Context, st supervisor.Status) error
	Close() error
}

// Message is the retained payload on the status topic.
type Message struct {
	EffectID string    `json:"effect_id"`
	PID      int       `json:"pid,omitempty"`
	Running  bool      `json:"running"`
	Time     time.Time `json:"time"`
}

// New returns an MQTT publisher for broker, or a no-op publisher when broker
// is empty.
func New(broker, topic string) (Publisher, error) {
	if broker == "" {
		return nop{}, nil
	}
	host, _ := os.Hostname()
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("lightfx-%s-%d", host, os.Getpid())).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	p, err := dial(mqtt.NewClient(opts), topic)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func dial(client mqtt.Client, topic string) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
		log:     logger.Component("mqtt"),
	}
	if err := p.wait(context.Background(), client.Connect()); err != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", err)
	}
	p.log.Debug().Str("topic", topic).Msg("connected")
	return p, nil
}

type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	log     zerolog.Logger
}

// Publish sends st as a retained message, so late subscribers see the
// current effect immediately.
func (p *MQTTPublisher) Publish(ctx context.Context, st supervisor.Status) error {
	payload, err := json.Marshal(Message{
		EffectID: st.EffectID,
		PID:      st.PID,
		Running:  st.Running,
		Time:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := p.wait(ctx, p.client.Publish(p.topic, 1, true, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	p.log.Debug().Str("effect", st.EffectID).Bool("running", st.Running).Msg("published status")
	return nil
}

func (p *MQTTPublisher) wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", p.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

type nop struct{}

func (nop) Publish(context.Context, supervisor.Status) error { return nil }
func (nop) Close() error                                     { return nil }
