package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshlimit/meshlimit/internal/ratelimit"
)

func TestServerServeAndGracefulStop(t *testing.T) {
	srv := New("127.0.0.1:0", NewService(ratelimit.NewLimiter(nil), nil, "local"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()

	// Let the listener come up, then trigger the shutdown path.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func TestServerBadAddressFails(t *testing.T) {
	srv := New("256.256.256.256:99999", NewService(ratelimit.NewLimiter(nil), nil, "local"))

	err := srv.Serve(context.Background())
	require.Error(t, err)
}
