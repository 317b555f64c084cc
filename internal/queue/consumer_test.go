package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleEvaluatedMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("Valid", func(t *testing.T) {
		var got DebateEvaluatedEvent
		err := HandleEvaluatedMessage(ctx, []byte(`{"debate_id":3,"room_id":7,"winner":"negative"}`), func(_ context.Context, ev DebateEvaluatedEvent) error {
			got = ev
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, DebateEvaluatedEvent{DebateID: 3, RoomID: 7, Winner: "negative"}, got)
	})

	t.Run("Malformed", func(t *testing.T) {
		err := HandleEvaluatedMessage(ctx, []byte(`{`), func(context.Context, DebateEvaluatedEvent) error {
			t.Fatal("handler must not run")
			return nil
		})
		require.Error(t, err)
	})

	t.Run("MissingDebate", func(t *testing.T) {
		err := HandleEvaluatedMessage(ctx, []byte(`{"room_id":7}`), func(context.Context, DebateEvaluatedEvent) error {
			return nil
		})
		require.Error(t, err)
	})

	t.Run("HandlerError", func(t *testing.T) {
		boom := errors.New("boom")
		err := HandleEvaluatedMessage(ctx, []byte(`{"debate_id":1}`), func(context.Context, DebateEvaluatedEvent) error {
			return boom
		})
		require.ErrorIs(t, err, boom)
	})
}
