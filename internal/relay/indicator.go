package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgnsrekt/tz_agent/internal/types"
)

// FeedTabState carries per-tab override indicator changes.
const FeedTabState = "tab_state"

// TabIndicator is the payload of a tab_state event.
type TabIndicator struct {
	TabID      types.TabID `json:"tab_id"`
	Active     bool        `json:"active"`
	TimezoneID string      `json:"timezone_id,omitempty"`
}

// IndicatorPublisher keeps the latest indicator for every active tab and
// publishes each change to the broker.
type IndicatorPublisher struct {
	broker *Broker

	mu     sync.Mutex
	active map[types.TabID]TabIndicator
}

func NewIndicatorPublisher(broker *Broker) *IndicatorPublisher {
	return &IndicatorPublisher{
		broker: broker,
		active: make(map[types.TabID]TabIndicator),
	}
}

func (p *IndicatorPublisher) SetTabState(tab types.TabID, active bool, timezoneID string) {
	ind := TabIndicator{TabID: tab, Active: active, TimezoneID: timezoneID}
	if !active {
		ind.TimezoneID = ""
	}

	evt, err := indicatorEvent(ind)
	if err != nil {
		slog.Warn("indicator encode failed", "tab_id", tab, "error", err)
		return
	}

	// Stream order must match the order the snapshot state changed in.
	p.mu.Lock()
	defer p.mu.Unlock()
	if active {
		p.active[tab] = ind
	} else {
		delete(p.active, tab)
	}
	p.broker.Publish(evt)
}

// Snapshot returns the events that describe the current state, one per
// active tab, ordered by tab.
func (p *IndicatorPublisher) Snapshot() []Event {
	p.mu.Lock()
	list := make([]TabIndicator, 0, len(p.active))
	for _, ind := range p.active {
		list = append(list, ind)
	}
	p.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].TabID < list[j].TabID })
	out := make([]Event, 0, len(list))
	for _, ind := range list {
		evt, err := indicatorEvent(ind)
		if err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out
}

func indicatorEvent(ind TabIndicator) (Event, error) {
	data, err := json.Marshal(ind)
	if err != nil {
		return Event{}, err
	}
	return Event{Feed: FeedTabState, Payload: string(data)}, nil
}
