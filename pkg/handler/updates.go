package handler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

const (
	// fastPollInterval applies to the first polls after a submit, when
	// the job typically moves quickly through its early phases.
	fastPollInterval = 250 * time.Millisecond
	fastPollCount    = 8

	// maxPollInterval caps the backoff for long-running jobs
	maxPollInterval = 60 * time.Second

	ackTimeout = 30 * time.Second
)

// streamUpdates polls one job on behalf of one client and pushes an
// UPDATE message for every observed status change. Each update carries
// a digest of its body and waits for the client's acknowledgement;
// mismatched digests are logged but do not end the stream. The stream
// ends when the job leaves the active set or the client disconnects.
func (s *Server) streamUpdates(ctx context.Context, cc *clientConn, jobID string) {
	logger := s.logger.With().Str("job_id", jobID).Logger()

	interval := fastPollInterval
	polls := 0
	lastSent := ""

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		polls++
		if polls > fastPollCount {
			interval *= 2
			if interval > maxPollInterval {
				interval = maxPollInterval
			}
		}

		j, err := s.jobs.Retrieve(ctx, jobID)
		if err != nil {
			logger.Warn().Err(err).Msg("Update poll failed")
			continue
		}
		if j == nil {
			logger.Debug().Msg("Job disappeared; ending update stream")
			return
		}

		status := j.Status.String()
		if status != lastSent {
			if !s.sendUpdate(ctx, cc, jobID, status, logger) {
				return
			}
			lastSent = status
		}

		if !j.Status.Phase.Active() {
			logger.Debug().Str("status", status).Msg("Update stream complete")
			return
		}
	}
}

// sendUpdate pushes one status change and waits for its ack. Returns
// false when the connection is gone.
func (s *Server) sendUpdate(ctx context.Context, cc *clientConn, jobID, status string,
	logger zerolog.Logger) bool {

	body := map[string]string{"status": status}
	msg := updateMessage{
		Event:       EventUpdate,
		ObjectType:  "Job",
		ObjectID:    jobID,
		UpdatedData: body,
		Digest:      digestOf(body),
	}

	if err := cc.writeJSON(msg); err != nil {
		return false
	}

	select {
	case ack := <-cc.acks:
		if ack.Digest != msg.Digest {
			logger.Warn().Str("want", msg.Digest).Str("got", ack.Digest).
				Msg("Update acknowledgement digest mismatch")
		}
	case <-time.After(ackTimeout):
		logger.Warn().Str("status", status).Msg("Update acknowledgement timed out")
	case <-ctx.Done():
		return false
	}
	return true
}

// digestOf is the sha1 hex digest of an update body's JSON encoding
func digestOf(body map[string]string) string {
	raw, _ := json.Marshal(body)
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}
