// Package publisher pushes snapshots and EMS link states to an MQTT
// broker so downstream consumers see price changes without polling.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"tariffwatch/internal/coordinator"
)

// Options configure the MQTT connection and topic layout.
type Options struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	// DiscoveryPrefix is the Home Assistant discovery root, usually
	// "homeassistant".
	DiscoveryPrefix string
	QoS             byte
	Timeout         time.Duration
}

// Publisher implements coordinator.SnapshotSink and coordinator.LinkSink
// over one shared broker connection. Snapshot and link topics are
// retained so late subscribers get the current state immediately.
type Publisher struct {
	client mqtt.Client
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	discovered map[string]bool
}

// New connects to the broker and returns a ready publisher.
func New(opts Options, logger zerolog.Logger) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "tariffwatch"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "tariffwatch"
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(fmt.Sprintf("tcp://%s", opts.Broker))
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectTimeout(opts.Timeout)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}

	return &Publisher{
		client:     client,
		opts:       opts,
		logger:     logger.With().Str("component", "publisher").Logger(),
		now:        time.Now,
		discovered: make(map[string]bool),
	}, nil
}

// PublishSnapshot publishes the full snapshot as one retained JSON
// document under <prefix>/<entry_id>/snapshot, plus one retained state
// per display entity. Discovery configs go out before the first states
// so Home Assistant creates the entities ahead of their values.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap *coordinator.Snapshot) error {
	p.ensureDiscovery(ctx, snap.EntryID, snap.EntryID, snapshotEntities(snap))

	topic := fmt.Sprintf("%s/%s/snapshot", p.opts.TopicPrefix, snap.EntryID)
	body, err := json.Marshal(snapshotPayload(snap))
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := p.publish(ctx, topic, body); err != nil {
		return err
	}

	for _, state := range snapshotStates(snap, p.now()) {
		if err := p.publishEntityState(ctx, snap.EntryID, state); err != nil {
			return err
		}
	}

	p.logger.Debug().Str("topic", topic).Int("bytes", len(body)).Msg("snapshot published")
	return nil
}

// PublishLinkState publishes the EMS link state under
// <prefix>/<entry_id>/ems_link and as a connectivity binary sensor.
func (p *Publisher) PublishLinkState(ctx context.Context, entryID string, state coordinator.LinkState) error {
	p.ensureDiscovery(ctx, entryID, entryID+"/ems_link", []entity{linkEntity})

	topic := fmt.Sprintf("%s/%s/ems_link", p.opts.TopicPrefix, entryID)
	body, err := json.Marshal(linkPayload{
		Status:     string(state.Status),
		LinkingURL: state.LinkingURL,
		LastError:  state.LastError,
		CheckedAt:  state.CheckedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding link state: %w", err)
	}
	if err := p.publish(ctx, topic, body); err != nil {
		return err
	}
	return p.publishEntityState(ctx, entryID, linkState(state))
}

// ensureDiscovery publishes the retained discovery configs once per key
// and process lifetime; the broker keeps them for later subscribers.
func (p *Publisher) ensureDiscovery(ctx context.Context, entryID, key string, entities []entity) {
	p.mu.Lock()
	if p.discovered[key] {
		p.mu.Unlock()
		return
	}
	p.discovered[key] = true
	p.mu.Unlock()

	for _, e := range entities {
		topic, doc := discoveryConfig(p.opts.DiscoveryPrefix, p.opts.TopicPrefix, entryID, e)
		body, err := json.Marshal(doc)
		if err != nil {
			p.logger.Warn().Err(err).Str("object_id", e.objectID).Msg("failed to encode discovery config")
			continue
		}
		if err := p.publish(ctx, topic, body); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish discovery config")
		}
	}
	p.logger.Debug().Str("entry_id", entryID).Int("entities", len(entities)).Msg("discovery configs published")
}

func (p *Publisher) publishEntityState(ctx context.Context, entryID string, state entityState) error {
	if err := p.publish(ctx, entityStateTopic(p.opts.TopicPrefix, entryID, state.objectID), []byte(state.state)); err != nil {
		return err
	}
	if state.attrs == nil {
		return nil
	}
	body, err := json.Marshal(state.attrs)
	if err != nil {
		return fmt.Errorf("encoding %s attributes: %w", state.objectID, err)
	}
	return p.publish(ctx, entityAttributesTopic(p.opts.TopicPrefix, entryID, state.objectID), body)
}

func (p *Publisher) publish(ctx context.Context, topic string, body []byte) error {
	token := p.client.Publish(topic, p.opts.QoS, true, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

type slotPayload struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Price string    `json:"price"`
}

type statsPayload struct {
	Min    string `json:"min"`
	Max    string `json:"max"`
	Mean   string `json:"mean"`
	Median string `json:"median"`
	Q25    string `json:"q25"`
	Q75    string `json:"q75"`
}

type windowPayload struct {
	Mode          string    `json:"mode"`
	WindowMinutes int       `json:"window_minutes"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Average       string    `json:"average"`
}

type quantilePayload struct {
	Quantile    float64 `json:"quantile"`
	Mode        string  `json:"mode"`
	Threshold   string  `json:"threshold"`
	MemberHours []int   `json:"member_hours"`
}

type dayPayload struct {
	Day       string            `json:"day"`
	Slots     []slotPayload     `json:"slots"`
	Stats     *statsPayload     `json:"stats,omitempty"`
	Windows   []windowPayload   `json:"windows,omitempty"`
	Quantiles []quantilePayload `json:"quantiles,omitempty"`
}

// fullPayload deliberately carries no "current price" field: the
// document is retained across a whole day, so consumers resolve the
// momentary price from the embedded slots instead of a frozen value.
type fullPayload struct {
	EntryID   string      `json:"entry_id"`
	FetchedAt time.Time   `json:"fetched_at"`
	Today     dayPayload  `json:"today"`
	Tomorrow  *dayPayload `json:"tomorrow,omitempty"`
}

type linkPayload struct {
	Status     string `json:"status"`
	LinkingURL string `json:"linking_url,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	CheckedAt  string `json:"checked_at"`
}

func snapshotPayload(snap *coordinator.Snapshot) fullPayload {
	payload := fullPayload{
		EntryID:   snap.EntryID,
		FetchedAt: snap.FetchedAt,
		Today:     viewPayload(snap.Today),
	}
	if !snap.Tomorrow.Schedule.Empty() {
		tomorrow := viewPayload(snap.Tomorrow)
		payload.Tomorrow = &tomorrow
	}
	return payload
}

func viewPayload(view coordinator.DayView) dayPayload {
	payload := dayPayload{Day: view.Schedule.Day.Format("2006-01-02")}
	for _, slot := range view.Schedule.Slots {
		payload.Slots = append(payload.Slots, slotPayload{
			Start: slot.Start,
			End:   slot.End,
			Price: slot.Price.String(),
		})
	}
	if view.Stats.HasData {
		payload.Stats = &statsPayload{
			Min:    view.Stats.Min.String(),
			Max:    view.Stats.Max.String(),
			Mean:   view.Stats.Mean.String(),
			Median: view.Stats.Median.String(),
			Q25:    view.Stats.Q25.String(),
			Q75:    view.Stats.Q75.String(),
		}
	}
	for _, w := range view.Windows {
		payload.Windows = append(payload.Windows, windowPayload{
			Mode:          string(w.Mode),
			WindowMinutes: w.WindowMinutes,
			Start:         w.Start,
			End:           w.End,
			Average:       w.Average.String(),
		})
	}
	for _, q := range view.Quantiles {
		payload.Quantiles = append(payload.Quantiles, quantilePayload{
			Quantile:    q.Quantile,
			Mode:        string(q.Mode),
			Threshold:   q.Threshold.String(),
			MemberHours: append([]int{}, q.MemberHours...),
		})
	}
	return payload
}

var _ coordinator.SnapshotSink = (*Publisher)(nil)
var _ coordinator.LinkSink = (*Publisher)(nil)
