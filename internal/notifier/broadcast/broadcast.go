// Package broadcast sends a single message to every subscribed chat.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/trishtzy/weatherbot/internal/storage"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

var ErrEmptyVersion = errors.New("broadcast: version is required")

// Recipients lists chats that receive announcements.
type Recipients interface {
	ChatIDs(ctx context.Context) ([]int64, error)
}

// Sender delivers one message to one chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Auditor records finished runs.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Option func(*Runner)

// WithAudit writes one audit row per run, tagged with target (e.g. the
// released version).
func WithAudit(a Auditor, target string) Option {
	return func(r *Runner) {
		r.audit = a
		r.target = target
	}
}

type Failure struct {
	ChatID int64
	Error  string
}

// JobStatus summarizes an announcement run.
type JobStatus struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Total    int
	Done     int
	Failed   int
	Failures []Failure
}

// Runner sends announcements one chat at a time. The notifier it wraps
// handles throttling.
type Runner struct {
	log   logx.Logger
	chats Recipients
	send  Sender

	audit  Auditor
	target string

	mu   sync.Mutex
	last *JobStatus
}

func New(chats Recipients, send Sender, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{chats: chats, send: send, log: log.With(logx.String("comp", "broadcast"))}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ReleaseMessage renders the release announcement text.
func ReleaseMessage(version, notes string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return "", ErrEmptyVersion
	}
	msg := fmt.Sprintf("@sgforecastbot has been updated to version *%s*", version)
	if notes = strings.TrimSpace(notes); notes != "" {
		msg += "\n\n*Changes:*\n" + notes
	}
	return msg, nil
}

// Run sends text to every chat. Individual failures are counted, not returned;
// the error is non-nil only when the chat list cannot be read or ctx ends.
func (r *Runner) Run(ctx context.Context, text string) (JobStatus, error) {
	st := JobStatus{ID: uuid.NewString(), Started: time.Now()}
	ids, err := r.chats.ChatIDs(ctx)
	if err != nil {
		return st, fmt.Errorf("broadcast: list chats: %w", err)
	}
	st.Total = len(ids)
	log := r.log.With(logx.String("job", st.ID))
	log.Info("announcement started", logx.Int("total", st.Total))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			st.Finished = time.Now()
			r.setLast(st)
			r.record(ctx, log, st, err)
			return st, err
		}
		if err := r.send.Send(ctx, id, text); err != nil {
			st.Failed++
			st.Failures = append(st.Failures, Failure{ChatID: id, Error: err.Error()})
			log.Warn("announcement failed", logx.Int64("chat_id", id), logx.Err(err))
			continue
		}
		st.Done++
		log.Debug("announcement sent", logx.Int64("chat_id", id))
	}
	st.Finished = time.Now()
	r.setLast(st)
	log.Info("announcement finished", logx.Int("done", st.Done), logx.Int("failed", st.Failed))
	r.record(ctx, log, st, nil)
	return st, nil
}

// record is best effort. A cancelled run is still audited.
func (r *Runner) record(ctx context.Context, log logx.Logger, st JobStatus, runErr error) {
	if r.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     st.Started,
		Action: "announce",
		Target: r.target,
		OK:     st.Done,
		Fail:   st.Failed,
		Took:   st.Finished.Sub(st.Started),
	}
	switch {
	case runErr != nil:
		e.Error = runErr.Error()
	case len(st.Failures) > 0:
		e.Error = fmt.Sprintf("chat %d: %s", st.Failures[0].ChatID, st.Failures[0].Error)
	}
	if meta, err := json.Marshal(map[string]any{"job": st.ID, "total": st.Total}); err == nil {
		e.MetaJSON = string(meta)
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.audit.AppendAudit(actx, e); err != nil {
		log.Warn("audit write failed", logx.Err(err))
	}
}

func (r *Runner) setLast(st JobStatus) {
	r.mu.Lock()
	r.last = &st
	r.mu.Unlock()
}

// Last returns the most recent job status.
func (r *Runner) Last() (JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return JobStatus{}, false
	}
	return *r.last, true
}
