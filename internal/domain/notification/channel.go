package notification

import (
	"context"
	"maps"
)

// PushChannel delivers messages through one provider. Send reports one
// Outcome per Message, keyed by Message.ID; order is not significant.
// A returned error means the whole batch failed and no Outcome is trusted.
type PushChannel interface {
	Kind() Kind
	Send(ctx context.Context, batch []Message) ([]Outcome, error)
}

// FailAll builds a transient failure outcome for every message in batch.
func FailAll(batch []Message, err error) []Outcome {
	outcomes := make([]Outcome, len(batch))
	for i, m := range batch {
		outcomes[i] = Outcome{MessageID: m.ID, Error: err.Error()}
	}
	return outcomes
}

// GroupByPayload splits batch into runs that share Notification and Data,
// for providers whose multicast request carries a single payload. Groups
// keep first-seen order and messages keep their order within a group.
func GroupByPayload(batch []Message) [][]Message {
	var groups [][]Message
outer:
	for _, m := range batch {
		for i, g := range groups {
			if samePayload(g[0], m) {
				groups[i] = append(g, m)
				continue outer
			}
		}
		groups = append(groups, []Message{m})
	}
	return groups
}

func samePayload(a, b Message) bool {
	pa, pb := a.Notification, b.Notification
	if (pa.Badge == nil) != (pb.Badge == nil) || (pa.Badge != nil && *pa.Badge != *pb.Badge) {
		return false
	}
	pa.Badge, pb.Badge = nil, nil
	return pa == pb && maps.Equal(a.Data, b.Data)
}
