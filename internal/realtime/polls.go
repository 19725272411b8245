// Package realtime folds database change notifications into live workspaces.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/orchestrator"
	"github.com/memelearn/service_layer/supabase/client"
)

// PollsTable is the table whose changes are followed.
const PollsTable = "polls"

// Workspaces is the part of the workspace pool that receives poll changes.
type Workspaces interface {
	ApplyPoll(p poll.Poll)
	RefreshAll(ctx context.Context, cat orchestrator.Category) error
}

// Subscriber is satisfied by *client.Realtime.
type Subscriber interface {
	Subscribe(filter client.ChangeFilter, handler client.ChangeHandler) func()
}

var (
	_ Workspaces = (*orchestrator.Pool)(nil)
	_ Subscriber = (*client.Realtime)(nil)
)

// FollowPolls subscribes to poll changes and applies them to every live
// workspace. The returned function unsubscribes.
func FollowPolls(ctx context.Context, sub Subscriber, ws Workspaces, log *logging.Logger) func() {
	return sub.Subscribe(client.ChangeFilter{Event: "*", Table: PollsTable}, PollHandler(ctx, ws, log))
}

// PollHandler turns a change into a workspace update. Rows that cannot be
// decoded trigger a full poll refresh instead. The handler never blocks the
// realtime read loop.
func PollHandler(ctx context.Context, ws Workspaces, log *logging.Logger) client.ChangeHandler {
	if log == nil {
		log = logging.NewDefault("realtime")
	}
	entry := log.Named("realtime").WithField("table", PollsTable)

	return func(c client.Change) {
		p, err := decodeChange(c)
		if err == nil {
			ws.ApplyPoll(p)
			return
		}

		entry.WithError(err).WithField("type", c.Type).Debug("refreshing polls after undecodable change")
		go func() {
			if err := ws.RefreshAll(ctx, orchestrator.Polls); err != nil {
				entry.WithError(err).Warn("poll refresh after change failed")
			}
		}()
	}
}

func decodeChange(c client.Change) (poll.Poll, error) {
	if strings.EqualFold(c.Type, "DELETE") {
		id, _ := c.OldRecord["id"].(string)
		if id == "" {
			return poll.Poll{}, fmt.Errorf("delete without id")
		}
		// A closed poll is removed from every workspace.
		return poll.Poll{ID: id, IsActive: false}, nil
	}

	raw, err := json.Marshal(c.Record)
	if err != nil {
		return poll.Poll{}, fmt.Errorf("encode record: %w", err)
	}
	var p poll.Poll
	if err := json.Unmarshal(raw, &p); err != nil {
		return poll.Poll{}, fmt.Errorf("decode poll: %w", err)
	}
	if p.ID == "" {
		return poll.Poll{}, fmt.Errorf("record without id")
	}
	if p.Votes == nil {
		p.Votes = make(map[string]int, len(p.Options))
	}
	return p, nil
}
