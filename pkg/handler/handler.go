package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cloudburst-io/cloudburst/pkg/auth"
	"github.com/cloudburst-io/cloudburst/pkg/job"
	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/metrics"
	"github.com/cloudburst-io/cloudburst/pkg/model"
	"github.com/cloudburst-io/cloudburst/pkg/session"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// DefaultStopTimeout bounds how long a STOP control waits for the job
// to reach a stopped step.
const DefaultStopTimeout = 60 * time.Second

const stopPollInterval = 500 * time.Millisecond

// Dispatcher submits scheduler requests. Satisfied by client.Client;
// tests substitute a stub.
type Dispatcher interface {
	Send(req *types.SchedulerRequest) (*types.SchedulerResponse, error)
}

// Config holds request handler parameters
type Config struct {
	Host string
	Port string

	// TLS: either SSLDir (expects cert.pem and key.pem inside) or the
	// explicit pair. Empty means plain websockets.
	SSLDir   string
	CertFile string
	KeyFile  string

	StopTimeout time.Duration
}

// Server is the client-facing websocket endpoint. One connection per
// client; each connection runs its own read loop plus any update
// streams spawned by submits.
type Server struct {
	sessions  *session.Manager
	jobs      *job.Manager
	scheduler Dispatcher
	auth      auth.Authenticator
	models    *model.Registry
	cfg       Config

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	logger   zerolog.Logger
}

// NewServer assembles a request handler
func NewServer(sessions *session.Manager, jobs *job.Manager, scheduler Dispatcher,
	authenticator auth.Authenticator, models *model.Registry, cfg Config) *Server {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Server{
		sessions:  sessions,
		jobs:      jobs,
		scheduler: scheduler,
		auth:      authenticator,
		models:    models,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: log.WithComponent("handler"),
	}
}

// Handler returns the HTTP mux: websocket endpoint on / and the
// prometheus endpoint on /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// ListenAndServe runs the server until Shutdown, with TLS when
// configured.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Host + ":" + s.cfg.Port,
		Handler: s.Handler(),
	}

	cert, key := s.cfg.CertFile, s.cfg.KeyFile
	if s.cfg.SSLDir != "" {
		cert = filepath.Join(s.cfg.SSLDir, "cert.pem")
		key = filepath.Join(s.cfg.SSLDir, "key.pem")
	}
	if cert != "" && key != "" {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("Listening with TLS")
		return s.httpSrv.ListenAndServeTLS(cert, key)
	}
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("Listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// clientConn serializes writes to one websocket connection and routes
// update acknowledgements to the active stream.
type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	acks    chan updateAck
}

func (c *clientConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	metrics.ConnectedClients.Inc()
	defer metrics.ConnectedClients.Dec()

	cc := &clientConn{ws: ws, acks: make(chan updateAck, 4)}
	defer ws.Close()

	// Canceled on disconnect so update streams stop with the client.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("Connection closed unexpectedly")
			}
			return
		}

		msg, ok := parseMessage(payload)
		if !ok {
			metrics.RequestsTotal.WithLabelValues("unknown", "invalid").Inc()
			cc.writeJSON(Response{
				Success: false,
				Reason:  ReasonInvalidMessage,
				Message: "message did not match any recognized request type",
				Data:    map[string]any{"payload": string(payload)},
			})
			continue
		}

		switch {
		case msg.ack != nil:
			select {
			case cc.acks <- *msg.ack:
			default:
				s.logger.Warn().Msg("Dropping unexpected update acknowledgement")
			}

		case msg.sessionInit != nil:
			resp := s.handleSessionInit(ctx, msg.sessionInit, remoteIP)
			s.countRequest(EventSessionInit, resp.Success)
			cc.writeJSON(resp)

		case msg.submit != nil:
			resp := s.handleSubmit(ctx, msg.submit)
			s.countRequest(EventMaaSRequest, resp.Success)
			cc.writeJSON(resp)
			if resp.Success {
				go s.streamUpdates(ctx, cc, resp.JobID)
			}

		case msg.update != nil:
			resp := s.handleUpdate(ctx, msg.update)
			s.countRequest(EventUpdate, resp.Success)
			cc.writeJSON(resp)

		case msg.control != nil:
			if msg.control.Command == ControlStop {
				// The stop wait can poll for up to StopTimeout; run it off
				// the read loop so update acknowledgements keep flowing.
				go func(m *jobControlMessage) {
					resp := s.handleJobControl(ctx, m)
					s.countRequest(EventJobControl, resp.Success)
					cc.writeJSON(resp)
				}(msg.control)
				continue
			}
			resp := s.handleJobControl(ctx, msg.control)
			s.countRequest(EventJobControl, resp.Success)
			cc.writeJSON(resp)

		case msg.info != nil:
			resp := s.handleJobInfo(ctx, msg.info)
			s.countRequest(EventJobInfo, resp.Success)
			cc.writeJSON(resp)

		case msg.list != nil:
			resp := s.handleJobList(ctx, msg.list)
			s.countRequest(EventJobList, resp.Success)
			cc.writeJSON(resp)
		}
	}
}

func (s *Server) countRequest(event string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.RequestsTotal.WithLabelValues(event, outcome).Inc()
}

func (s *Server) handleSessionInit(ctx context.Context, msg *sessionInitMessage, ip string) Response {
	if !s.auth.Authenticate(msg.Username, msg.Secret) {
		return Response{Success: false, Reason: ReasonUnauthorized,
			Message: "credentials were not accepted"}
	}
	if !s.auth.Authorized(msg.Username) {
		return Response{Success: false, Reason: ReasonUnauthorized,
			Message: fmt.Sprintf("user %s is not authorized", msg.Username)}
	}

	sess, err := s.sessions.Create(ctx, ip, msg.Username)
	if err != nil {
		s.logger.Error().Err(err).Str("user", msg.Username).Msg("Failed to create session")
		return Response{Success: false, Reason: ReasonSessionFail,
			Message: "failed to create session"}
	}
	return Response{Success: true, Reason: ReasonSuccess, Data: toData(sess)}
}

// submitResponse is the reply to a job submit; the scheduler's own
// response rides along for the client to inspect.
type submitResponse struct {
	Success           bool                     `json:"success"`
	Reason            string                   `json:"reason"`
	Message           string                   `json:"message,omitempty"`
	JobID             string                   `json:"job_id"`
	SchedulerResponse *types.SchedulerResponse `json:"scheduler_response,omitempty"`
}

func (s *Server) handleSubmit(ctx context.Context, msg *maasRequestMessage) submitResponse {
	sess, err := s.sessions.LookupBySecret(ctx, msg.SessionSecret)
	if err != nil {
		return submitResponse{Success: false, Reason: ReasonSessionFail,
			Message: "session lookup failed", JobID: "-1"}
	}
	if sess == nil {
		return submitResponse{Success: false, Reason: ReasonUnknownSecret,
			Message: "no session matches the supplied secret", JobID: "-1"}
	}
	if !s.auth.Authorized(sess.User) {
		return submitResponse{Success: false, Reason: ReasonUnauthorized,
			Message: fmt.Sprintf("user %s is not authorized to submit jobs", sess.User),
			JobID:   "-1"}
	}

	ok, err := s.sessions.Refresh(ctx, sess)
	if err != nil {
		return submitResponse{Success: false, Reason: ReasonSessionFail,
			Message: "session refresh failed", JobID: "-1"}
	}
	if !ok {
		return submitResponse{Success: false, Reason: ReasonUnknownSecret,
			Message: "session expired", JobID: "-1"}
	}

	req := msg.toSchedulerRequest()
	req.UserID = sess.User
	if violations := s.models.Validate(req); len(violations) > 0 {
		return submitResponse{Success: false, Reason: ReasonInvalidRequest,
			Message: strings.Join(violations, "; "), JobID: "-1"}
	}

	resp, err := s.scheduler.Send(req)
	if err != nil {
		s.logger.Error().Err(err).Str("user", sess.User).Msg("Scheduler dispatch failed")
		return submitResponse{
			Success: false,
			Reason:  ReasonRejected,
			Message: "scheduler unavailable",
			JobID:   "-1",
			SchedulerResponse: &types.SchedulerResponse{
				Success: false,
				Reason:  ReasonRejected,
				Message: err.Error(),
				JobID:   "-1",
			},
		}
	}

	out := submitResponse{
		Success:           resp.Success,
		Reason:            resp.Reason,
		Message:           resp.Message,
		JobID:             resp.JobID,
		SchedulerResponse: resp,
	}
	if !resp.Success && out.JobID == "" {
		out.JobID = "-1"
	}
	return out
}

func (s *Server) handleUpdate(ctx context.Context, msg *updateMessage) Response {
	status, ok := msg.UpdatedData["status"]
	if !ok || len(msg.UpdatedData) != 1 {
		return Response{Success: false, Reason: ReasonInvalidRequest,
			Message: "only the status field may be updated"}
	}
	parsed, err := types.ParseJobStatus(status)
	if err != nil {
		return Response{Success: false, Reason: ReasonInvalidRequest, Message: err.Error()}
	}

	j, err := s.jobs.Retrieve(ctx, msg.ObjectID)
	if err != nil {
		return Response{Success: false, Reason: ReasonSessionFail, Message: "job lookup failed"}
	}
	if j == nil {
		return Response{Success: false, Reason: ReasonNotFound,
			Message: fmt.Sprintf("no job with id %s", msg.ObjectID)}
	}
	if !j.Status.Phase.Active() {
		return Response{Success: false, Reason: ReasonInvalidRequest,
			Message: "job is no longer active"}
	}

	j.Status = parsed
	if err := s.jobs.Save(ctx, j); err != nil {
		return Response{Success: false, Reason: ReasonInvalidRequest, Message: err.Error()}
	}
	return Response{Success: true, Reason: ReasonSuccess,
		Data: map[string]any{"job_id": j.ID, "status": j.Status.String()}}
}

func (s *Server) handleJobControl(ctx context.Context, msg *jobControlMessage) Response {
	var result types.JobResult
	switch msg.Command {
	case ControlStop:
		result = s.jobs.RequestStop(ctx, msg.JobID)
		if result.Success {
			return s.awaitStopped(ctx, msg.JobID)
		}
	case ControlRelease:
		result = s.jobs.ReleaseAllocations(ctx, msg.JobID)
	case ControlRestart:
		result = s.jobs.RequestRestart(ctx, msg.JobID)
	}
	return Response{
		Success: result.Success,
		Reason:  result.Reason,
		Message: result.Message,
		Data:    map[string]any{"job_id": msg.JobID},
	}
}

// awaitStopped polls until the job reaches a stopped step or a
// terminal phase, bounded by the stop timeout.
func (s *Server) awaitStopped(ctx context.Context, jobID string) Response {
	deadline := time.Now().Add(s.cfg.StopTimeout)
	for {
		j, err := s.jobs.Retrieve(ctx, jobID)
		if err == nil && j != nil {
			if j.Status.Step == types.StepStopped || !j.Status.Phase.Active() {
				return Response{Success: true, Reason: ReasonSuccess,
					Data: map[string]any{"job_id": jobID, "status": j.Status.String()}}
			}
		}
		if time.Now().After(deadline) {
			return Response{Success: false, Reason: ReasonTimeout,
				Message: fmt.Sprintf("job %s did not stop within %s", jobID, s.cfg.StopTimeout),
				Data:    map[string]any{"job_id": jobID}}
		}
		select {
		case <-ctx.Done():
			return Response{Success: false, Reason: ReasonTimeout, Message: "canceled"}
		case <-time.After(stopPollInterval):
		}
	}
}

func (s *Server) handleJobInfo(ctx context.Context, msg *jobInfoMessage) Response {
	j, err := s.jobs.Retrieve(ctx, msg.JobID)
	if err != nil {
		return Response{Success: false, Reason: ReasonSessionFail, Message: "job lookup failed"}
	}
	if j == nil {
		return Response{Success: false, Reason: ReasonNotFound,
			Message: fmt.Sprintf("no job with id %s", msg.JobID)}
	}

	if msg.StatusOnly {
		return Response{Success: true, Reason: ReasonSuccess,
			Data: map[string]any{"job_id": j.ID, "status": j.Status.String()}}
	}
	return Response{Success: true, Reason: ReasonSuccess, Data: toData(j)}
}

func (s *Server) handleJobList(ctx context.Context, msg *jobListMessage) Response {
	ids, err := s.jobs.IDs(ctx, msg.OnlyActive)
	if err != nil {
		return Response{Success: false, Reason: ReasonSessionFail, Message: "job listing failed"}
	}

	if msg.OnlyMine {
		sess, err := s.sessions.LookupBySecret(ctx, msg.SessionSecret)
		if err != nil || sess == nil {
			return Response{Success: false, Reason: ReasonUnknownSecret,
				Message: "no session matches the supplied secret"}
		}
		mine := make([]string, 0, len(ids))
		for _, id := range ids {
			j, err := s.jobs.Retrieve(ctx, id)
			if err != nil || j == nil {
				continue
			}
			if j.Request.UserID == sess.User {
				mine = append(mine, id)
			}
		}
		ids = mine
	}

	return Response{Success: true, Reason: ReasonSuccess,
		Data: map[string]any{"job_ids": ids}}
}

// toData round-trips a value through JSON into the generic response
// payload shape.
func toData(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
