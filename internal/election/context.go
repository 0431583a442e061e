package election

import (
	"context"

	"raft-election/internal/ctxkey"
)

var roundKey = ctxkey.New[string]("round")

// withRound tags ctx with an election round ID for the sends made on its behalf.
func withRound(ctx context.Context, id string) context.Context {
	return ctxkey.With(ctx, roundKey, id)
}

func roundFrom(ctx context.Context) (string, bool) {
	return ctxkey.From(ctx, roundKey)
}
