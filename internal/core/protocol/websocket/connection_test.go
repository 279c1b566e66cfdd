package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/internal/core/protocol"
)

// echoServer answers ATTACH with ATTACHED and acknowledges every OBJECT
// frame after echoing it back.
func echoServer(t *testing.T, config Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, config, log.NewNop())
		if err != nil {
			return
		}
		defer conn.Close()

		ctx := r.Context()
		for {
			msg, err := conn.ReadFrame(ctx)
			if err != nil {
				return
			}
			switch msg.Action {
			case protocol.ActionAttach:
				_ = conn.WriteFrame(ctx, &protocol.Message{Action: protocol.ActionAttached, Channel: msg.Channel})
			case protocol.ActionObject:
				_ = conn.WriteFrame(ctx, &protocol.Message{Action: protocol.ActionObject, Channel: msg.Channel, ID: "echo", State: msg.State})
				_ = conn.WriteFrame(ctx, &protocol.Message{Action: protocol.ActionAck, MsgSerial: msg.MsgSerial, Count: 1})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type captureHandler struct {
	ops chan []*wire.ObjectMessage
}

func (h *captureHandler) OnChannelAttached(bool)                            {}
func (h *captureHandler) HandleSyncMessages([]*wire.ObjectMessage, *string) {}
func (h *captureHandler) SetGCGracePeriod(time.Duration)                    {}
func (h *captureHandler) HandleObjectMessages(msgs []*wire.ObjectMessage) {
	h.ops <- msgs
}

func TestChannelOverWebSocket(t *testing.T) {
	for _, format := range []wire.Format{wire.FormatJSON, wire.FormatMsgPack} {
		t.Run(format.String(), func(t *testing.T) {
			config := DefaultConfig()
			config.Format = format
			srv := echoServer(t, config)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := Dial(ctx, wsURL(srv), config, log.NewNop())
			require.NoError(t, err)
			defer conn.Close()

			ch := protocol.NewChannel("things", conn, protocol.WithLogger(log.NewNop()))
			handler := &captureHandler{ops: make(chan []*wire.ObjectMessage, 1)}
			ch.SetHandler(handler)

			runCtx, stop := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- ch.Run(runCtx) }()

			require.NoError(t, ch.Attach(ctx))

			payload := []byte{0x00, 0x01, 0xfe}
			err = ch.Publish(ctx, []*wire.ObjectMessage{{
				Operation: &wire.Operation{
					Action:   wire.ActionMapSet,
					ObjectID: "root",
					MapOp:    &wire.MapOp{Key: "blob", Data: &wire.ObjectData{Bytes: payload}},
				},
			}})
			require.NoError(t, err)

			select {
			case msgs := <-handler.ops:
				require.Len(t, msgs, 1)
				assert.Equal(t, payload, msgs[0].Operation.MapOp.Data.Bytes)
				assert.Equal(t, "echo:0", msgs[0].ID)
			case <-ctx.Done():
				t.Fatal("echo not received")
			}

			stop()
			assert.NoError(t, <-done)
		})
	}
}

func TestWriteFrameRejectsOversizedFrame(t *testing.T) {
	config := DefaultConfig()
	srv := echoServer(t, config)

	config.MaxFrameSize = 16
	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), config, log.NewNop())
	require.NoError(t, err)
	defer conn.Close()

	err = conn.WriteFrame(ctx, &protocol.Message{Action: protocol.ActionAttach, Channel: strings.Repeat("x", 64)})
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
}

func TestClosedConnection(t *testing.T) {
	srv := echoServer(t, DefaultConfig())
	conn, err := Dial(context.Background(), wsURL(srv), DefaultConfig(), log.NewNop())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	_, err = conn.ReadFrame(context.Background())
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	err = conn.WriteFrame(context.Background(), &protocol.Message{})
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/none", DefaultConfig(), log.NewNop())
	assert.Error(t, err)
}
