package gateway

import (
	"fmt"
	"slices"

	"xsense-go-home/internal/cloud"
)

// Topics computes the push subscriptions for the cached inventory.
// Houses and stations are visited in id order; duplicates are dropped.
func (g *Gateway) Topics() []string {
	houses := g.inv.Snapshot()
	var out []string
	seen := make(map[string]bool)
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, id := range sortedKeys(houses) {
		add(fmt.Sprintf("@xsense/events/+/%s", id))
		add(fmt.Sprintf("$aws/things/%s/shadow/name/+/update", id))
		h := houses[id]
		for _, sn := range sortedKeys(h.Stations) {
			if !g.config.StationEnabled(sn) {
				continue
			}
			thing := cloud.ThingName(h.Stations[sn].Type(), sn)
			add(fmt.Sprintf("$aws/things/%s/shadow/name/+/update", thing))
			add(fmt.Sprintf("$aws/events/presence/+/%s", thing))
		}
	}
	return out
}

// SetSubscriber attaches the push transport and hands it the current
// topic set.
func (g *Gateway) SetSubscriber(s Subscriber) {
	g.mu.Lock()
	g.subscriber = s
	g.topics = nil
	g.mu.Unlock()
	g.applyTopics()
}

// applyTopics pushes the topic set to the subscriber when it changed.
func (g *Gateway) applyTopics() {
	topics := g.Topics()
	g.mu.Lock()
	s := g.subscriber
	changed := !slices.Equal(topics, g.topics)
	if changed {
		g.topics = topics
	}
	g.mu.Unlock()
	if s == nil || !changed {
		return
	}
	g.logger.Info("push subscriptions", "topics", len(topics))
	s.SetTopics(topics)
}
