package publisher

import (
	"testing"
	"time"

	"tariffwatch/internal/coordinator"
)

func findEntity(entities []entity, objectID string) (entity, bool) {
	for _, e := range entities {
		if e.objectID == objectID {
			return e, true
		}
	}
	return entity{}, false
}

func findState(states []entityState, objectID string) (entityState, bool) {
	for _, s := range states {
		if s.objectID == objectID {
			return s, true
		}
	}
	return entityState{}, false
}

func TestSnapshotEntitiesCoverDerivations(t *testing.T) {
	entities := snapshotEntities(buildSnapshot(t))

	price, ok := findEntity(entities, "current_price")
	if !ok || price.component != componentSensor || price.unit != priceUnit {
		t.Fatalf("current price sensor missing or malformed: %+v", price)
	}
	if _, ok := findEntity(entities, "next_change"); !ok {
		t.Fatal("next change sensor missing")
	}
	if _, ok := findEntity(entities, "today_average"); !ok {
		t.Fatal("statistics sensor missing")
	}

	// One timestamp sensor per extremal window of the snapshot.
	for _, id := range []string{"cheapest_window_120m", "most_expensive_window_120m"} {
		w, ok := findEntity(entities, id)
		if !ok {
			t.Fatalf("window sensor %s missing, got %+v", id, entities)
		}
		if w.deviceClass != "timestamp" {
			t.Fatalf("window sensor %s should be a timestamp, got %q", id, w.deviceClass)
		}
	}

	q, ok := findEntity(entities, "cheapest_hours_25")
	if !ok || q.component != componentBinarySensor {
		t.Fatalf("quantile binary sensor missing or malformed: %+v", q)
	}
}

func TestDiscoveryConfigShape(t *testing.T) {
	topic, doc := discoveryConfig("homeassistant", "tariffwatch", "entry-1", entity{
		component:     componentSensor,
		objectID:      "current_price",
		name:          "Current price",
		unit:          priceUnit,
		hasAttributes: true,
	})

	if topic != "homeassistant/sensor/tariffwatch_entry-1/current_price/config" {
		t.Fatalf("unexpected config topic %q", topic)
	}
	if doc.UniqueID != "tariffwatch_entry-1_current_price" {
		t.Fatalf("unexpected unique id %q", doc.UniqueID)
	}
	if doc.StateTopic != "tariffwatch/entry-1/current_price/state" {
		t.Fatalf("unexpected state topic %q", doc.StateTopic)
	}
	if doc.JSONAttributesTopic != "tariffwatch/entry-1/current_price/attributes" {
		t.Fatalf("unexpected attributes topic %q", doc.JSONAttributesTopic)
	}
	if len(doc.Device.Identifiers) != 1 || doc.Device.Identifiers[0] != "tariffwatch_entry-1" {
		t.Fatalf("device block must group entities per entry, got %+v", doc.Device)
	}

	binTopic, binDoc := discoveryConfig("homeassistant", "tariffwatch", "entry-1", entity{
		component: componentBinarySensor,
		objectID:  "cheapest_hours_25",
		name:      "Cheapest 25% hour",
	})
	if binTopic != "homeassistant/binary_sensor/tariffwatch_entry-1/cheapest_hours_25/config" {
		t.Fatalf("unexpected binary sensor topic %q", binTopic)
	}
	if binDoc.PayloadOn != "ON" || binDoc.PayloadOff != "OFF" {
		t.Fatalf("binary sensor payloads missing: %+v", binDoc)
	}
}

func TestSnapshotStatesResolvePublishInstant(t *testing.T) {
	snap := buildSnapshot(t)
	now := time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)

	states := snapshotStates(snap, now)

	price, ok := findState(states, "current_price")
	if !ok || price.state != "0.15" {
		t.Fatalf("current price should resolve against the publish instant, got %+v", price)
	}
	if price.attrs["slot_end"] != "2025-03-10T13:00:00Z" {
		t.Fatalf("price attributes must expose the slot boundary, got %+v", price.attrs)
	}
	if price.attrs["computed_at"] != now.Format(time.RFC3339) {
		t.Fatalf("price attributes must declare when the value was computed, got %+v", price.attrs)
	}

	next, ok := findState(states, "next_change")
	if !ok || next.state != "2025-03-10T13:00:00Z" {
		t.Fatalf("next change should be the current slot end, got %+v", next)
	}

	avg, ok := findState(states, "today_average")
	if !ok || avg.state != "0.15" {
		t.Fatalf("average sensor should carry the mean, got %+v", avg)
	}
	if avg.attrs["median"] != "0.15" {
		t.Fatalf("statistics attributes incomplete: %+v", avg.attrs)
	}

	win, ok := findState(states, "cheapest_window_120m")
	if !ok || win.state == "" {
		t.Fatalf("window state missing: %+v", states)
	}
	if win.attrs["window_minutes"] != 120 {
		t.Fatalf("window attributes must echo the duration, got %+v", win.attrs)
	}

	// Flat prices make every hour a member, so the publish hour is ON.
	quant, ok := findState(states, "cheapest_hours_25")
	if !ok || quant.state != "ON" {
		t.Fatalf("quantile membership at the publish hour should be ON, got %+v", quant)
	}
}

func TestSnapshotStatesOutsideSchedule(t *testing.T) {
	snap := buildSnapshot(t)
	now := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)

	states := snapshotStates(snap, now)

	if price, _ := findState(states, "current_price"); price.state != "unknown" {
		t.Fatalf("no covering slot must read unknown, got %+v", price)
	}
	if next, _ := findState(states, "next_change"); next.state != "unknown" {
		t.Fatalf("no upcoming boundary must read unknown, got %+v", next)
	}
	if quant, _ := findState(states, "cheapest_hours_25"); quant.state != "OFF" {
		t.Fatalf("membership outside the classified day must be OFF, got %+v", quant)
	}
}

func TestLinkEntityState(t *testing.T) {
	checked := time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC)

	linked := linkState(coordinator.LinkState{Status: coordinator.LinkLinked, CheckedAt: checked})
	if linked.state != "ON" {
		t.Fatalf("linked must map to ON, got %q", linked.state)
	}
	if _, ok := linked.attrs["linking_url"]; ok {
		t.Fatalf("linked state must not carry a linking url: %+v", linked.attrs)
	}

	required := linkState(coordinator.LinkState{
		Status:     coordinator.LinkRequired,
		LinkingURL: "https://login.example/link",
		CheckedAt:  checked,
	})
	if required.state != "OFF" {
		t.Fatalf("link_required must map to OFF, got %q", required.state)
	}
	if required.attrs["linking_url"] != "https://login.example/link" {
		t.Fatalf("linking url missing from attributes: %+v", required.attrs)
	}
}
