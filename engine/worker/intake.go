package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/pkg/resilience"
)

const (
	// IntakeSubject carries job submissions from other services.
	IntakeSubject = "tessera.jobs.submit"
	// DLQSubject receives submissions that can never be accepted.
	DLQSubject = "tessera.jobs.dlq"
	// retryHeader counts redeliveries of one submission.
	retryHeader = "X-Retry-Count"
	// maxIntakeRetries bounds redeliveries before dead-lettering.
	maxIntakeRetries = 3
)

// IntakeRequest is the wire form of a remote job submission.
type IntakeRequest struct {
	Kind Kind              `json:"kind"`
	Args map[string]string `json:"args"`
}

// deadLetter wraps an unprocessable submission for the DLQ. Data
// stays a string because malformed payloads are exactly what lands
// here.
type deadLetter struct {
	Data    string `json:"data"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// StartIntake subscribes the worker to IntakeSubject. Malformed and
// unknown submissions go straight to the DLQ; submissions the worker
// cannot take right now are republished with a bumped retry count and
// dead-lettered once it runs out. NATS callers poll job state over
// REST like everyone else. cfg supplies the active config for each
// job's snapshot.
func StartIntake(nc *nats.Conn, w *Worker, cfg func() config.Config, lim *resilience.Limiter, logger *slog.Logger) (*nats.Subscription, error) {
	return nc.Subscribe(IntakeSubject, intakeHandler(w, cfg, lim, nc.PublishMsg, logger))
}

func intakeHandler(w *Worker, cfg func() config.Config, lim *resilience.Limiter, publish func(*nats.Msg) error, logger *slog.Logger) func(*nats.Msg) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msg *nats.Msg) {
		var req IntakeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Warn("intake dead-lettering malformed submission", "error", err)
			toDLQ(publish, msg, "malformed: "+err.Error(), logger)
			return
		}
		if !req.Kind.Valid() {
			logger.Warn("intake dead-lettering unknown kind", "kind", req.Kind)
			toDLQ(publish, msg, fmt.Sprintf("unknown kind %q", req.Kind), logger)
			return
		}
		if lim != nil && !lim.Allow() {
			requeue(publish, msg, "shed", logger)
			return
		}
		job, err := w.Submit(req.Kind, req.Args, cfg())
		switch {
		case errors.Is(err, domain.ErrBusy):
			// The full queue already recorded the job as FAILED, so
			// the submission is answered, not retried.
			logger.Warn("intake hit full queue", "job_id", job.ID, "kind", job.Kind)
		case err != nil:
			requeue(publish, msg, err.Error(), logger)
		default:
			logger.Info("intake accepted", "job_id", job.ID, "kind", job.Kind)
		}
	}
}

// requeue republishes a submission with its retry count bumped, or
// dead-letters it once maxIntakeRetries is reached.
func requeue(publish func(*nats.Msg) error, msg *nats.Msg, reason string, logger *slog.Logger) {
	retries := retryCount(msg) + 1
	if retries >= maxIntakeRetries {
		toDLQ(publish, msg, reason, logger)
		return
	}
	m := nats.NewMsg(IntakeSubject)
	m.Data = msg.Data
	m.Header.Set(retryHeader, strconv.Itoa(retries))
	if err := publish(m); err != nil {
		logger.Error("intake requeue failed", "error", err)
		return
	}
	logger.Warn("intake requeued", "reason", reason, "retry", retries)
}

func toDLQ(publish func(*nats.Msg) error, msg *nats.Msg, reason string, logger *slog.Logger) {
	payload, err := json.Marshal(deadLetter{
		Data:    string(msg.Data),
		Error:   reason,
		Retries: retryCount(msg),
	})
	if err != nil {
		logger.Error("intake DLQ marshal failed", "error", err)
		return
	}
	m := nats.NewMsg(DLQSubject)
	m.Data = payload
	if err := publish(m); err != nil {
		logger.Error("intake DLQ publish failed", "error", err)
	}
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(retryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
