package chat

import (
	"sort"

	"github.com/npezzotti/go-projectchat/internal/types"
)

// MergeMessages combines a history page with messages received live while
// it was loading. History entries win on id collisions; live entries whose
// id is absent from history are kept. The result is sorted ascending by
// effective timestamp, ties keeping their merge order.
func MergeMessages(history, live []types.ChatMessage) []types.ChatMessage {
	seen := make(map[string]struct{}, len(history)+len(live))
	merged := make([]types.ChatMessage, 0, len(history)+len(live))

	appendUnique := func(msgs []types.ChatMessage) {
		for _, m := range msgs {
			if m.Id != "" {
				if _, dup := seen[m.Id]; dup {
					continue
				}
				seen[m.Id] = struct{}{}
			}
			merged = append(merged, m)
		}
	}

	appendUnique(history)
	appendUnique(live)
	sortMessages(merged)

	return merged
}

func sortMessages(msgs []types.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}

// insertMessage places m after every entry with an equal or earlier
// timestamp, keeping msgs sorted.
func insertMessage(msgs []types.ChatMessage, m types.ChatMessage) []types.ChatMessage {
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].SentAt.After(m.SentAt)
	})

	msgs = append(msgs, types.ChatMessage{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m

	return msgs
}
