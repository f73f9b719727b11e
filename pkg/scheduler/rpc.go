package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/metrics"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

const rpcWriteTimeout = 30 * time.Second

// RPCServer exposes the scheduler over a websocket endpoint. Each
// message on a connection is one SchedulerRequest; the reply is the
// SchedulerResponse for it.
type RPCServer struct {
	scheduler *Scheduler
	upgrader  websocket.Upgrader
}

// NewRPCServer wraps a scheduler for websocket access
func NewRPCServer(s *Scheduler) *RPCServer {
	return &RPCServer{
		scheduler: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the connection and services requests until the
// peer disconnects.
func (rs *RPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("scheduler-rpc")

	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.ConnectedClients.Inc()
	defer metrics.ConnectedClients.Dec()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("Connection closed unexpectedly")
			}
			return
		}

		resp := rs.handleMessage(r.Context(), payload)
		conn.SetWriteDeadline(time.Now().Add(rpcWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			logger.Error().Err(err).Msg("Failed to write response")
			return
		}
	}
}

func (rs *RPCServer) handleMessage(ctx context.Context, payload []byte) *types.SchedulerResponse {
	var req types.SchedulerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &types.SchedulerResponse{
			Success: false,
			Reason:  ReasonInvalidRequest,
			Message: "request payload is not a valid scheduler request",
			JobID:   "-1",
		}
	}
	return rs.scheduler.ProcessRequest(ctx, &req)
}
