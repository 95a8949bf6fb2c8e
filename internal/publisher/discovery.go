package publisher

import (
	"fmt"
	"math"
	"time"

	"tariffwatch/internal/coordinator"
	"tariffwatch/internal/tariff"
)

// Home Assistant MQTT discovery: one config document per display entity,
// published retained so entities materialize without hand-written
// configuration. State and attribute topics live under the regular topic
// prefix; only the config documents go under the discovery prefix.

const (
	componentSensor       = "sensor"
	componentBinarySensor = "binary_sensor"

	priceUnit = "CHF/kWh"
)

type discoveryDoc struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	StateTopic          string          `json:"state_topic"`
	JSONAttributesTopic string          `json:"json_attributes_topic,omitempty"`
	DeviceClass         string          `json:"device_class,omitempty"`
	UnitOfMeasurement   string          `json:"unit_of_measurement,omitempty"`
	PayloadOn           string          `json:"payload_on,omitempty"`
	PayloadOff          string          `json:"payload_off,omitempty"`
	Device              discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// entity describes one discoverable display entity of an entry.
type entity struct {
	component     string
	objectID      string
	name          string
	deviceClass   string
	unit          string
	hasAttributes bool
}

// entityState is one retained state publish, with optional attributes.
type entityState struct {
	objectID string
	state    string
	attrs    map[string]any
}

var linkEntity = entity{
	component:     componentBinarySensor,
	objectID:      "ems_link",
	name:          "EMS linked",
	deviceClass:   "connectivity",
	hasAttributes: true,
}

// snapshotEntities derives the entity set from a snapshot. Windows and
// quantiles follow the configured derivations, so the set is stable
// across days for one entry.
func snapshotEntities(snap *coordinator.Snapshot) []entity {
	entities := []entity{
		{component: componentSensor, objectID: "current_price", name: "Current price", unit: priceUnit, hasAttributes: true},
		{component: componentSensor, objectID: "next_change", name: "Next price change", deviceClass: "timestamp"},
		{component: componentSensor, objectID: "today_average", name: "Today average price", unit: priceUnit, hasAttributes: true},
	}
	for _, w := range snap.Today.Windows {
		entities = append(entities, entity{
			component:     componentSensor,
			objectID:      windowObjectID(w),
			name:          fmt.Sprintf("%s %d min window", windowLabel(w.Mode), w.WindowMinutes),
			deviceClass:   "timestamp",
			hasAttributes: true,
		})
	}
	for _, q := range snap.Today.Quantiles {
		entities = append(entities, entity{
			component:     componentBinarySensor,
			objectID:      quantileObjectID(q),
			name:          fmt.Sprintf("%s %d%% hour", quantileLabel(q.Mode), quantilePercent(q)),
			hasAttributes: true,
		})
	}
	return entities
}

// snapshotStates computes the retained per-entity states. The current
// price and quantile membership are resolved against the moment of
// publishing; attributes carry the full context so consumers can
// recompute for any later instant.
func snapshotStates(snap *coordinator.Snapshot, now time.Time) []entityState {
	states := make([]entityState, 0, 3+len(snap.Today.Windows)+len(snap.Today.Quantiles))

	current := entityState{
		objectID: "current_price",
		state:    "unknown",
		attrs:    map[string]any{"computed_at": now.Format(time.RFC3339)},
	}
	for _, view := range []coordinator.DayView{snap.Today, snap.Tomorrow} {
		if slot, ok := view.Schedule.SlotAt(now); ok {
			current.state = slot.Price.String()
			current.attrs["slot_start"] = slot.Start.Format(time.RFC3339)
			current.attrs["slot_end"] = slot.End.Format(time.RFC3339)
			break
		}
	}
	states = append(states, current)

	nextChange := entityState{objectID: "next_change", state: "unknown"}
	if next := snap.NextChange(now); !next.IsZero() {
		nextChange.state = next.Format(time.RFC3339)
	}
	states = append(states, nextChange)

	average := entityState{objectID: "today_average", state: "unknown"}
	if stats := snap.Today.Stats; stats.HasData {
		average.state = stats.Mean.String()
		average.attrs = map[string]any{
			"min":             stats.Min.String(),
			"max":             stats.Max.String(),
			"median":          stats.Median.String(),
			"q25":             stats.Q25.String(),
			"q75":             stats.Q75.String(),
			"slots_count":     stats.SlotsCount,
			"covered_minutes": stats.CoveredMinutes,
		}
	}
	states = append(states, average)

	for _, w := range snap.Today.Windows {
		states = append(states, entityState{
			objectID: windowObjectID(w),
			state:    w.Start.Format(time.RFC3339),
			attrs: map[string]any{
				"end":            w.End.Format(time.RFC3339),
				"average":        w.Average.String(),
				"window_minutes": w.WindowMinutes,
			},
		})
	}

	for _, q := range snap.Today.Quantiles {
		states = append(states, entityState{
			objectID: quantileObjectID(q),
			state:    onOff(quantileMemberNow(snap.Today.Schedule, q, now)),
			attrs: map[string]any{
				"threshold":    q.Threshold.String(),
				"member_hours": q.MemberHours,
				"quantile":     q.Quantile,
			},
		})
	}

	return states
}

func linkState(state coordinator.LinkState) entityState {
	attrs := map[string]any{
		"status":     string(state.Status),
		"checked_at": state.CheckedAt.Format(time.RFC3339),
	}
	if state.LinkingURL != "" {
		attrs["linking_url"] = state.LinkingURL
	}
	if state.LastError != "" {
		attrs["last_error"] = state.LastError
	}
	return entityState{
		objectID: "ems_link",
		state:    onOff(state.Status == coordinator.LinkLinked),
		attrs:    attrs,
	}
}

// quantileMemberNow reports whether the instant falls on the classified
// day and inside a member hour.
func quantileMemberNow(sched tariff.Schedule, q tariff.QuantileMembership, now time.Time) bool {
	local := now.In(sched.Day.Location())
	if !startOfDay(local).Equal(sched.Day) {
		return false
	}
	hour := local.Hour()
	for _, member := range q.MemberHours {
		if member == hour {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func windowObjectID(w tariff.Window) string {
	return fmt.Sprintf("%s_window_%dm", windowSlug(w.Mode), w.WindowMinutes)
}

func windowSlug(mode tariff.WindowMode) string {
	if mode == tariff.WindowMin {
		return "cheapest"
	}
	return "most_expensive"
}

func windowLabel(mode tariff.WindowMode) string {
	if mode == tariff.WindowMin {
		return "Cheapest"
	}
	return "Most expensive"
}

func quantileObjectID(q tariff.QuantileMembership) string {
	slug := "cheapest"
	if q.Mode == tariff.QuantileMostExpensive {
		slug = "most_expensive"
	}
	return fmt.Sprintf("%s_hours_%d", slug, quantilePercent(q))
}

func quantileLabel(mode tariff.QuantileMode) string {
	if mode == tariff.QuantileCheapest {
		return "Cheapest"
	}
	return "Most expensive"
}

func quantilePercent(q tariff.QuantileMembership) int {
	return int(math.Round(q.Quantile * 100))
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

// discoveryConfig builds the config topic and document for one entity.
func discoveryConfig(discoveryPrefix, topicPrefix, entryID string, e entity) (string, discoveryDoc) {
	node := "tariffwatch_" + entryID
	doc := discoveryDoc{
		Name:              e.name,
		UniqueID:          node + "_" + e.objectID,
		StateTopic:        entityStateTopic(topicPrefix, entryID, e.objectID),
		DeviceClass:       e.deviceClass,
		UnitOfMeasurement: e.unit,
		Device: discoveryDevice{
			Identifiers:  []string{node},
			Name:         "EKZ tariff " + entryID,
			Manufacturer: "EKZ",
			Model:        "tariffwatch",
		},
	}
	if e.hasAttributes {
		doc.JSONAttributesTopic = entityAttributesTopic(topicPrefix, entryID, e.objectID)
	}
	if e.component == componentBinarySensor {
		doc.PayloadOn = "ON"
		doc.PayloadOff = "OFF"
	}
	topic := fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, e.component, node, e.objectID)
	return topic, doc
}

func entityStateTopic(prefix, entryID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/state", prefix, entryID, objectID)
}

func entityAttributesTopic(prefix, entryID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/attributes", prefix, entryID, objectID)
}
