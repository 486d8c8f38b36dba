package auth

import (
	"context"

	"github.com/kay0530/weekly-task-manager/internal/roster"
)

type ctxKey string

const memberContextKey ctxKey = "wtm.auth.member"

// SystemActor names writes that no team member triggered.
const SystemActor = "system"

func WithMember(ctx context.Context, m roster.Member) context.Context {
	return context.WithValue(ctx, memberContextKey, m)
}

func MemberFromContext(ctx context.Context) (roster.Member, bool) {
	v := ctx.Value(memberContextKey)
	m, ok := v.(roster.Member)
	return m, ok
}

// ActorFromContext returns the acting member id, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if m, ok := MemberFromContext(ctx); ok && m.ID != "" {
		return m.ID
	}
	return SystemActor
}
