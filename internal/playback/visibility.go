package playback

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"
)

// VisibleThreshold is the fraction of an item's height that must be on
// screen before it counts as visible.
const VisibleThreshold = 0.8

func IsVisible(ratio float64) bool { return ratio >= VisibleThreshold }

// FeedItem is one playable row of the feed, in display order.
type FeedItem struct {
	ItemID string
	URI    string
}

// VisibilityEvent reports that an item crossed the visibility threshold.
type VisibilityEvent struct {
	ItemID  string
	URI     string
	Visible bool
}

// SetFeed registers the feed in display order. Order decides which item is
// topmost when several become visible together.
func (a *Arbiter) SetFeed(items []FeedItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feed = make(map[string]int, len(items))
	for i, it := range items {
		a.feed[it.ItemID] = i
		if it.URI != "" {
			a.uris[it.ItemID] = it.URI
		}
	}
	for id := range a.visible {
		if _, ok := a.feed[id]; !ok {
			delete(a.visible, id)
		}
	}
	for id := range a.uris {
		if _, ok := a.feed[id]; !ok {
			delete(a.uris, id)
		}
	}
}

// OnVisibilityChanged handles a single visibility transition.
func (a *Arbiter) OnVisibilityChanged(ctx context.Context, itemID, uri string, visible bool) error {
	return a.OnVisibilityBatch(ctx, []VisibilityEvent{{ItemID: itemID, URI: uri, Visible: visible}})
}

// OnVisibilityBatch applies a batch of visibility transitions atomically.
// An active item that scrolled away is paused and cleared. If nothing is
// playing afterwards and the topmost visible item became visible in this
// batch, it is autoplayed; the rest of the batch never plays.
func (a *Arbiter) OnVisibilityBatch(ctx context.Context, batch []VisibilityEvent) error {
	if len(batch) == 0 {
		return nil
	}
	return a.do(func() ([]Event, error) {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return nil, nil
		}
		appeared := make(map[string]bool)
		vanished := make(map[string]bool)
		for _, ev := range batch {
			if ev.URI != "" {
				a.uris[ev.ItemID] = ev.URI
			}
			if ev.Visible {
				a.visible[ev.ItemID] = true
				appeared[ev.ItemID] = true
			} else {
				delete(a.visible, ev.ItemID)
				delete(appeared, ev.ItemID)
				vanished[ev.ItemID] = true
			}
		}
		active, phase := a.active, a.phase
		hidden := active != nil && vanished[active.ItemID] && !a.visible[active.ItemID]
		a.mu.Unlock()

		var events []Event
		if hidden {
			if phase == Playing {
				evs, err := a.pauseOp(ctx, active.ItemID)
				events = append(events, evs...)
				if err != nil {
					return events, nil
				}
			}
			if ev, ok := a.releaseOp(ctx); ok {
				events = append(events, ev)
			}
		}

		a.mu.Lock()
		playing := a.phase == Playing || a.phase == Starting
		target, ok := a.topmostLocked()
		uri := a.uris[target]
		a.mu.Unlock()

		if playing || !ok || !appeared[target] {
			return events, nil
		}
		if uri == "" {
			a.log.Warn("autoplay target has no audio", zap.String("item", target))
			return events, nil
		}
		evs, err := a.requestOp(ctx, target, uri)
		events = append(events, evs...)
		if err != nil {
			// already reported through EventFailed
			a.log.Debug("autoplay failed", zap.String("item", target), zap.Error(err))
		}
		return events, nil
	})
}

// visibleLocked returns the visible items ordered by feed position.
// Unregistered items rank after registered ones, then by id.
func (a *Arbiter) visibleLocked() []string {
	ids := make([]string, 0, len(a.visible))
	for id := range a.visible {
		ids = append(ids, id)
	}
	rank := func(id string) int {
		if i, ok := a.feed[id]; ok {
			return i
		}
		return math.MaxInt
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := rank(ids[i]), rank(ids[j])
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (a *Arbiter) topmostLocked() (string, bool) {
	ids := a.visibleLocked()
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// VisibleItems returns the currently visible items, topmost first.
func (a *Arbiter) VisibleItems() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visibleLocked()
}
