package server

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/rs/zerolog"
)

// Scope is the delivery boundary of an event.
type Scope interface {
	kind() string
}

// ChannelScope delivers to every member of the server that owns the channel.
type ChannelScope struct{ ChannelID int64 }

// DirectScope delivers to exactly the two participants of a DM.
type DirectScope struct{ UserA, UserB int64 }

// ServerScope delivers to every member of a server.
type ServerScope struct{ ServerID int64 }

// EveryoneScope delivers to every connected identity.
type EveryoneScope struct{}

func (ChannelScope) kind() string  { return "channel" }
func (DirectScope) kind() string   { return "dm" }
func (ServerScope) kind() string   { return "server" }
func (EveryoneScope) kind() string { return "everyone" }

// Router fans events out to the live sessions of a scope's recipients.
// Delivery is fire-and-forget: offline recipients are skipped and there is no
// retry. Recipients see missed events through history on their next fetch.
type Router struct {
	members  MembershipResolver
	registry *Registry
	metrics  *Metrics
	logger   zerolog.Logger
}

// NewRouter creates a router.
func NewRouter(members MembershipResolver, registry *Registry, metrics *Metrics, logger zerolog.Logger) *Router {
	return &Router{
		members:  members,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Recipients resolves the identities entitled to events in scope. The member
// set is read once per call; later membership changes are not reflected.
func (rt *Router) Recipients(ctx context.Context, scope Scope) ([]int64, error) {
	switch sc := scope.(type) {
	case ChannelScope:
		return rt.members.ChannelMemberIDs(ctx, sc.ChannelID)
	case DirectScope:
		if sc.UserA == sc.UserB {
			return []int64{sc.UserA}, nil
		}
		return []int64{sc.UserA, sc.UserB}, nil
	case ServerScope:
		return rt.members.ServerMemberIDs(ctx, sc.ServerID)
	case EveryoneScope:
		return rt.registry.Identities(), nil
	default:
		return nil, fmt.Errorf("unknown scope %T", scope)
	}
}

// Route pushes ev to every recipient of scope that has a live session,
// skipping any identity in exclude. Returns the number of sessions the event
// was queued on.
func (rt *Router) Route(ctx context.Context, ev protocol.ServerEvent, scope Scope, exclude ...int64) (int, error) {
	start := time.Now()

	recipients, err := rt.Recipients(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s recipients: %w", scope.kind(), err)
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, userID := range recipients {
		if slices.Contains(exclude, userID) {
			continue
		}
		sess, ok := rt.registry.Lookup(userID)
		if !ok || !sess.Writable() {
			continue
		}
		if sess.Push(data) {
			delivered++
		} else {
			rt.metrics.RecordDropped()
			rt.logger.Debug().
				Int64("user_id", userID).
				Str("type", ev.EventType()).
				Msg("dropped push, send queue full")
		}
	}

	rt.metrics.RecordBroadcast(scope.kind(), ev.EventType(), delivered, time.Since(start))
	return delivered, nil
}
