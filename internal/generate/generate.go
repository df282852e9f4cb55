package generate

import (
	"context"

	"github.com/zulandar/greenroom/internal/models"
)

// Request carries everything a generation backend needs to produce a
// speaker's next message. History holds the visible timeline in sequence
// order.
type Request struct {
	Conversation models.Conversation
	Speaker      models.Participant
	History      []models.Message
	Kind         string
}

// Generator produces a message body for a speaker. An empty body with a nil
// error means the speaker declines the turn. Implementations must honor ctx
// cancellation; the executor cancels it when a soft cancel is observed.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
