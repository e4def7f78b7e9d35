// Package firing runs one digest firing end to end: load the pair, fetch due
// items, render the message, and deliver it to every recipient with one
// occurrence record each.
package firing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"duedigest/internal/domain"
	"duedigest/internal/eventbus"
	"duedigest/internal/format"
	"duedigest/internal/source"
	"duedigest/internal/task/engine"
	logx "duedigest/pkg/logx"
)

type Config struct {
	// SendAttempts is the inline attempt budget per recipient for transient
	// provider errors. 0 means 3.
	SendAttempts int
	// SendBackoff is the first inline retry delay, doubled each time. 0 means 2s.
	SendBackoff time.Duration
	// FanOut bounds concurrent deliveries within one firing. 0 means 4.
	FanOut int
}

func (c Config) withDefaults() Config {
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = 2 * time.Second
	}
	if c.FanOut <= 0 {
		c.FanOut = 4
	}
	return c
}

type Store interface {
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
	GetSubject(ctx context.Context, id string) (domain.Subject, error)
	GetLink(ctx context.Context, ownerID, subjectID string) (domain.Link, error)
	SetCredentialInvalid(ctx context.Context, id string, invalid bool) error
	Labels(ctx context.Context, subjectID string) (map[string]string, error)
	PutLabels(ctx context.Context, subjectID string, labels map[string]string) error

	BeginAttempt(ctx context.Context, o domain.Occurrence) (domain.Occurrence, error)
	MarkSent(ctx context.Context, firingID, recipient, providerID string) error
	MarkFailed(ctx context.Context, firingID, recipient, reason string) error
	NoteError(ctx context.Context, firingID, recipient, reason string) error
	RecordTerminal(ctx context.Context, o domain.Occurrence, reason string) (domain.Occurrence, error)
}

type Source interface {
	Fetch(ctx context.Context, s domain.Subject) ([]domain.DueItem, error)
	ListGroups(ctx context.Context, s domain.Subject) (map[string]string, error)
}

type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, f domain.Firing, runAt time.Time) (bool, error)
}

// State names the pipeline stage, used in logs.
type State string

const (
	StateTriggered   State = "triggered"
	StateFetching    State = "fetching"
	StateFormatting  State = "formatting"
	StateDispatching State = "dispatching"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Event is the payload of firing.completed and firing.failed.
type Event struct {
	FiringID  string `json:"firing_id"`
	OwnerID   string `json:"owner_id"`
	SubjectID string `json:"subject_id"`
	Manual    bool   `json:"manual,omitempty"`
	Items     int    `json:"items"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Segments  int    `json:"segments"`
	Error     string `json:"error,omitempty"`
}

type Pipeline struct {
	cfg      Config
	store    Store
	source   Source
	sender   Sender
	enq      Enqueuer
	segments func(string) int
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, store Store, src Source, sender Sender, log logx.Logger, bus eventbus.Bus) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		cfg:    cfg.withDefaults(),
		store:  store,
		source: src,
		sender: sender,
		log:    log.With(logx.String("comp", "firing")),
		bus:    bus,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// SetEnqueuer wires the queue used by Fire. The queue itself depends on the
// pipeline, so this is set after both exist.
func (p *Pipeline) SetEnqueuer(e Enqueuer) { p.enq = e }

// SetSegmenter sets the segment counter reported in events.
func (p *Pipeline) SetSegmenter(fn func(string) int) { p.segments = fn }

type recipient struct {
	address string
	role    domain.Role
}

// Run executes one attempt of f. A nil return means the firing completed,
// which includes pairs that were deactivated after the job was queued.
// Errors wrapped with engine.NoRetry are terminal.
func (p *Pipeline) Run(ctx context.Context, f domain.Firing) error {
	log := p.log.With(logx.String("firing", f.ID), logx.Int("attempt", f.Attempt))
	log.Debug("firing state", logx.String("state", string(StateTriggered)))

	owner, subject, ok, err := p.loadPair(ctx, f)
	if err != nil || !ok {
		return err
	}
	recipients := resolveRecipients(owner, subject)
	if len(recipients) == 0 {
		log.Info("no recipients; firing completed")
		return nil
	}
	if subject.CredentialInvalid {
		return engine.NoRetry(fmt.Errorf("subject %s: %w", subject.ID, domain.ErrCredentialInvalid))
	}

	log.Debug("firing state", logx.String("state", string(StateFetching)))
	items, err := p.source.Fetch(ctx, subject)
	if err != nil {
		return p.classifyFetch(ctx, subject, err)
	}
	labels := p.labels(ctx, subject, items)

	log.Debug("firing state", logx.String("state", string(StateFormatting)))
	body, err := render(items, f.ScheduledFor, owner.Recurrence, labels)
	if err != nil {
		return engine.NoRetry(err)
	}

	log.Debug("firing state", logx.String("state", string(StateDispatching)), logx.Int("recipients", len(recipients)), logx.Int("items", len(items)))
	ev := Event{FiringID: f.ID, OwnerID: owner.ID, SubjectID: subject.ID, Manual: f.Manual, Items: len(items)}
	if p.segments != nil {
		ev.Segments = p.segments(body)
	}
	outcomes := make([]outcome, len(recipients))
	var g errgroup.Group
	g.SetLimit(p.cfg.FanOut)
	for i, r := range recipients {
		g.Go(func() error {
			o, err := p.deliver(ctx, f, owner, subject, r, body, len(items))
			outcomes[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// Store or context failure: the record is still pending, so the next
		// attempt resumes it and skips recipients already sent.
		return err
	}
	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			ev.Sent++
		case outcomeFailed:
			ev.Failed++
		case outcomeSkipped:
			ev.Skipped++
		}
	}
	log.Info("firing completed", logx.Int("items", ev.Items), logx.Int("sent", ev.Sent), logx.Int("failed", ev.Failed), logx.Int("skipped", ev.Skipped))
	p.publish("firing.completed", ev)
	return nil
}

func (p *Pipeline) loadPair(ctx context.Context, f domain.Firing) (domain.Owner, domain.Subject, bool, error) {
	owner, err := p.store.GetOwner(ctx, f.OwnerID)
	if errors.Is(err, domain.ErrNotFound) {
		p.log.Info("owner gone; firing completed", logx.String("firing", f.ID))
		return owner, domain.Subject{}, false, nil
	}
	if err != nil {
		return owner, domain.Subject{}, false, err
	}
	link, err := p.store.GetLink(ctx, f.OwnerID, f.SubjectID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !link.Active) {
		p.log.Info("pair inactive; firing completed", logx.String("firing", f.ID))
		return owner, domain.Subject{}, false, nil
	}
	if err != nil {
		return owner, domain.Subject{}, false, err
	}
	subject, err := p.store.GetSubject(ctx, f.SubjectID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !subject.Active) {
		p.log.Info("subject inactive; firing completed", logx.String("firing", f.ID))
		return owner, subject, false, nil
	}
	if err != nil {
		return owner, subject, false, err
	}
	return owner, subject, true, nil
}

func resolveRecipients(owner domain.Owner, subject domain.Subject) []recipient {
	var out []recipient
	if owner.Address != "" {
		out = append(out, recipient{address: owner.Address, role: domain.RoleOwner})
	}
	if owner.NotifySubject && subject.Address != "" && subject.Address != owner.Address {
		out = append(out, recipient{address: subject.Address, role: domain.RoleSubject})
	}
	return out
}

// classifyFetch maps source errors onto the queue retry policy.
func (p *Pipeline) classifyFetch(ctx context.Context, subject domain.Subject, err error) error {
	var (
		ae *domain.AuthError
		rl *domain.RateLimitError
	)
	switch {
	case errors.As(err, &ae):
		if mErr := p.store.SetCredentialInvalid(ctx, subject.ID, true); mErr != nil {
			p.log.Error("mark credential invalid", logx.String("subject", subject.ID), logx.Err(mErr))
		}
		p.log.Warn("source rejected credential; subject disabled until refreshed", logx.String("subject", subject.ID), logx.Err(err))
		return engine.NoRetry(err)
	case errors.Is(err, source.ErrMissingCredential):
		return engine.NoRetry(err)
	case errors.As(err, &rl):
		return engine.RateLimited(engine.RetryAfter(err, rl.RetryAfter))
	case domain.IsRetryable(err):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	}
	return engine.NoRetry(err)
}

// labels returns stored labels, syncing from the source when an item names
// a group without one. Sync failures only cost the display name.
func (p *Pipeline) labels(ctx context.Context, subject domain.Subject, items []domain.DueItem) format.MapLabels {
	stored, err := p.store.Labels(ctx, subject.ID)
	if err != nil {
		p.log.Warn("load labels", logx.String("subject", subject.ID), logx.Err(err))
		stored = map[string]string{}
	}
	labels := format.MapLabels(stored)
	if len(format.Unresolved(items, labels)) == 0 {
		return labels
	}
	fresh, err := p.source.ListGroups(ctx, subject)
	if err != nil {
		p.log.Warn("label sync failed; using group ids", logx.String("subject", subject.ID), logx.Err(err))
		return labels
	}
	if err := p.store.PutLabels(ctx, subject.ID, fresh); err != nil {
		p.log.Warn("store labels", logx.String("subject", subject.ID), logx.Err(err))
	}
	for k, v := range fresh {
		labels[k] = v
	}
	return labels
}

func render(items []domain.DueItem, scheduledFor time.Time, rec domain.Recurrence, labels format.Labels) (body string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("format: %v", r)
		}
	}()
	loc, lerr := rec.Location()
	if lerr != nil {
		loc = time.UTC
	}
	return format.Format(items, scheduledFor.In(loc), labels), nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

// deliver sends body to one recipient. Delivery failures are recorded and
// do not return an error; only store failures and cancellation do.
func (p *Pipeline) deliver(ctx context.Context, f domain.Firing, owner domain.Owner, subject domain.Subject, r recipient, body string, items int) (outcome, error) {
	occ, err := p.store.BeginAttempt(ctx, domain.Occurrence{
		FiringID:  f.ID,
		OwnerID:   owner.ID,
		SubjectID: subject.ID,
		Recipient: r.address,
		Role:      r.role,
		Body:      body,
		ItemCount: items,
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("begin attempt %s: %w", r.address, err)
	}
	if occ.Status != domain.StatusPending {
		p.log.Debug("recipient already settled", logx.String("firing", f.ID), logx.String("role", string(r.role)), logx.String("status", string(occ.Status)))
		return outcomeSkipped, nil
	}

	var sendErr error
	for attempt := 1; attempt <= p.cfg.SendAttempts; attempt++ {
		var providerID string
		providerID, sendErr = p.sender.Send(ctx, r.address, body)
		if sendErr == nil {
			if err := p.store.MarkSent(ctx, f.ID, r.address, providerID); err != nil {
				return outcomeSent, fmt.Errorf("mark sent %s: %w", providerID, err)
			}
			return outcomeSent, nil
		}
		if !domain.IsRetryable(sendErr) || attempt == p.cfg.SendAttempts {
			break
		}
		if err := p.store.NoteError(ctx, f.ID, r.address, sendErr.Error()); err != nil {
			p.log.Warn("note send error", logx.Err(err))
		}
		wait := p.cfg.SendBackoff << (attempt - 1)
		var rl *domain.RateLimitError
		if errors.As(sendErr, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		if err := p.sleep(ctx, wait); err != nil {
			return outcomeSkipped, err
		}
	}

	p.log.Warn("delivery failed", logx.String("firing", f.ID), logx.String("role", string(r.role)), logx.Err(sendErr))
	if err := p.store.MarkFailed(ctx, f.ID, r.address, sendErr.Error()); err != nil {
		return outcomeFailed, fmt.Errorf("mark failed: %w", err)
	}
	return outcomeFailed, nil
}

// Terminal leaves one failed record, for the owner, when a firing will not
// run again. An owner row already sent or delivered is left as is.
func (p *Pipeline) Terminal(ctx context.Context, f domain.Firing, cause error) {
	ev := Event{FiringID: f.ID, OwnerID: f.OwnerID, SubjectID: f.SubjectID, Manual: f.Manual, Error: cause.Error()}
	defer func() { p.publish("firing.failed", ev) }()

	owner, err := p.store.GetOwner(ctx, f.OwnerID)
	if err != nil {
		p.log.Error("terminal: load owner", logx.String("firing", f.ID), logx.Err(err))
		return
	}
	occ, err := p.store.RecordTerminal(ctx, domain.Occurrence{
		FiringID:  f.ID,
		OwnerID:   owner.ID,
		SubjectID: f.SubjectID,
		Recipient: owner.Address,
		Role:      domain.RoleOwner,
		Attempts:  f.Attempt,
	}, cause.Error())
	if err != nil {
		p.log.Error("terminal: record failure", logx.String("firing", f.ID), logx.Err(err))
	} else if occ.Status == domain.StatusFailed {
		ev.Failed++
	}
	p.log.Warn("firing failed", logx.String("firing", f.ID), logx.Int("attempt", f.Attempt), logx.Err(cause))
}

// ErrInactive is returned by Fire for a pair that is not linked.
var ErrInactive = errors.New("owner/subject pair is not active")

// Fire queues an immediate firing for the pair, outside its schedule.
func (p *Pipeline) Fire(ctx context.Context, ownerID, subjectID string) (domain.Firing, error) {
	if p.enq == nil {
		return domain.Firing{}, errors.New("firing: no queue configured")
	}
	link, err := p.store.GetLink(ctx, ownerID, subjectID)
	if err != nil {
		return domain.Firing{}, err
	}
	if !link.Active {
		return domain.Firing{}, ErrInactive
	}
	key := domain.TriggerKey(ownerID, subjectID)
	now := p.now()
	f := domain.Firing{
		ID:           domain.ManualFiringID(key, uuid.NewString()),
		Key:          key,
		OwnerID:      ownerID,
		SubjectID:    subjectID,
		ScheduledFor: now,
		Manual:       true,
	}
	if _, err := p.enq.Enqueue(ctx, f, now); err != nil {
		return domain.Firing{}, err
	}
	p.log.Info("manual firing queued", logx.String("firing", f.ID))
	return f, nil
}

func (p *Pipeline) publish(typ string, ev Event) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
