package agenda

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"github.com/lexagenda/project/internal/contracts"
	"github.com/lexagenda/project/internal/mail"
	"github.com/lexagenda/project/internal/platform/metrics"
	"github.com/lexagenda/project/internal/sharding"
)

var ErrUnauthorized = errors.New("unauthorized")

const (
	// DigestWindow is how far ahead a run looks for pending commitments.
	DigestWindow = 24 * time.Hour

	// DefaultSubject is the fixed subject line for every digest email.
	DefaultSubject = "Your agenda for the next 24 hours"

	defaultSendTime    = "08:00"
	defaultSendMinutes = 8 * 60

	manualTestSource = "manual-test"
)

var trustedSources = map[string]bool{
	"scheduled":        true,
	"scheduled-hourly": true,
}

var (
	runsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "agenda_digest_runs_total",
		Help: "Digest runs by outcome.",
	}, []string{"outcome"})
	deliveriesTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "agenda_digest_deliveries_total",
		Help: "Per-recipient digest deliveries by status.",
	}, []string{"status"})
	dispatchInflight = metrics.NewGauge(metrics.Opts{
		Name: "agenda_digest_dispatch_inflight",
		Help: "Recipient dispatches currently in flight.",
	})
)

func init() {
	metrics.Default.MustRegister(runsTotal, deliveriesTotal, dispatchInflight)
}

type PublishFunc func(subject string, payload []byte) error

// Config carries the explicit dispatcher configuration. It replaces
// the ambient secret/key lookups the webhook contract grew up with.
type Config struct {
	WebhookSecret string
	FromAddress   string
	Subject       string
	DefaultZone   *time.Location
}

// Request is one invocation of the dispatcher. The HTTP layer resolves
// the secret precedence (header > body > query) before building it.
type Request struct {
	Secret    string
	Source    string
	TestEmail string
	Template  string
	Preview   bool
}

type RecipientResult struct {
	Status        string `json:"status"`
	EmailID       string `json:"email_id,omitempty"`
	Error         string `json:"error,omitempty"`
	Timezone      string `json:"timezone"`
	PreferredTime string `json:"preferred_time,omitempty"`
}

type Response struct {
	Message string                     `json:"message"`
	Sent    int                        `json:"sent"`
	RunID   string                     `json:"run_id,omitempty"`
	Test    bool                       `json:"test,omitempty"`
	Preview bool                       `json:"preview,omitempty"`
	HTML    string                     `json:"html,omitempty"`
	Results map[string]RecipientResult `json:"results,omitempty"`
}

type Dispatcher struct {
	Repo    Repository
	Mail    mail.Sender
	Publish PublishFunc
	Config  Config
	Log     *zap.Logger
	Now     func() time.Time
	NewID   func() string
}

func NewDispatcher(repo Repository, sender mail.Sender, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.DefaultZone == nil {
		cfg.DefaultZone = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Repo:   repo,
		Mail:   sender,
		Config: cfg,
		Log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  nuid.Next,
	}
}

// authorize is a capability check, not an identity check: the caller is
// a machine scheduler. Unauthorized requests touch no data.
func (d *Dispatcher) authorize(req Request) bool {
	if d.Config.WebhookSecret != "" &&
		hmac.Equal([]byte(req.Secret), []byte(d.Config.WebhookSecret)) {
		return true
	}
	source := strings.TrimSpace(req.Source)
	return trustedSources[source] || source == manualTestSource
}

func (d *Dispatcher) Run(ctx context.Context, req Request) (Response, error) {
	if !d.authorize(req) {
		runsTotal.WithLabelValues("unauthorized").Inc()
		return Response{}, ErrUnauthorized
	}

	now := d.Now()

	if req.Preview {
		data := BuildDigestData("Ana Pereira", SampleCommitments(now), d.Config.DefaultZone, now)
		html, err := RenderDigest(req.Template, data)
		if err != nil {
			return Response{}, err
		}
		runsTotal.WithLabelValues("preview").Inc()
		return Response{Message: "template preview", Preview: true, HTML: html}, nil
	}

	if strings.TrimSpace(req.TestEmail) != "" {
		resp, err := d.runTest(ctx, req, now)
		if err != nil {
			runsTotal.WithLabelValues("error").Inc()
			return Response{}, err
		}
		runsTotal.WithLabelValues("test").Inc()
		return resp, nil
	}

	resp, err := d.runScheduled(ctx, req, now)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return Response{}, err
	}
	runsTotal.WithLabelValues("ok").Inc()
	return resp, nil
}

// runTest sends exactly one email to the given address, bypassing
// opt-in and eligibility checks entirely.
func (d *Dispatcher) runTest(ctx context.Context, req Request, now time.Time) (Response, error) {
	address := strings.TrimSpace(req.TestEmail)
	runID := d.NewID()

	fullName := ""
	resultKey := "test"
	loc := d.Config.DefaultZone
	var commitments []Commitment

	user, err := d.Repo.FindUserByEmail(ctx, address)
	switch {
	case err == nil:
		resultKey = user.ID
		profile, perr := d.Repo.GetProfile(ctx, user.ID)
		if perr != nil && !errors.Is(perr, ErrNotFound) {
			return Response{}, perr
		}
		settingsTZ := ""
		settings, serr := d.Repo.GetSettings(ctx, user.ID)
		if serr != nil && !errors.Is(serr, ErrNotFound) {
			return Response{}, serr
		}
		if serr == nil {
			settingsTZ = settings.AgendaTimezone
		}
		fullName = profile.FullName
		loc = ResolveZone(profile.Timezone, settingsTZ, d.Config.DefaultZone)

		commitments, err = d.Repo.ListPendingCommitmentsForUser(ctx, user.ID, now, now.Add(DigestWindow))
		if err != nil {
			return Response{}, err
		}
	case errors.Is(err, ErrNotFound):
		// No matching account: send a generic test email anyway.
	default:
		return Response{}, err
	}

	if len(commitments) == 0 {
		commitments = SampleCommitments(now)
	}

	html := d.render(req.Template, BuildDigestData(fullName, commitments, loc, now))
	result := d.send(ctx, address, html, loc, "")
	d.publishDelivery(runID, resultKey, result, true, now)

	resp := Response{
		Message: fmt.Sprintf("test digest dispatched to %s", address),
		RunID:   runID,
		Test:    true,
		Results: map[string]RecipientResult{resultKey: result},
	}
	if result.Status == contracts.DeliveryStatusSent {
		resp.Sent = 1
	} else {
		resp.Message = fmt.Sprintf("test digest to %s failed: %s", address, result.Error)
	}
	return resp, nil
}

type recipient struct {
	userID        string
	email         string
	fullName      string
	preferredTime string
	loc           *time.Location
	commitments   []Commitment
}

func (d *Dispatcher) runScheduled(ctx context.Context, req Request, now time.Time) (Response, error) {
	commitments, err := d.Repo.ListPendingCommitments(ctx, now, now.Add(DigestWindow))
	if err != nil {
		return Response{}, err
	}
	if len(commitments) == 0 {
		// Nothing to send; skip the profile/settings lookups entirely.
		return Response{Message: "no pending commitments in the next 24 hours", Sent: 0}, nil
	}

	// Single-pass grouping keyed by user, preserving query order both
	// across users and within each user's commitments.
	order := make([]string, 0, len(commitments))
	groups := make(map[string][]Commitment, len(commitments))
	for _, c := range commitments {
		if _, seen := groups[c.UserID]; !seen {
			order = append(order, c.UserID)
		}
		groups[c.UserID] = append(groups[c.UserID], c)
	}

	eligible := make([]recipient, 0, len(order))
	for _, userID := range order {
		rcpt, ok, err := d.resolveRecipient(ctx, userID, groups[userID], now)
		if err != nil {
			return Response{}, err
		}
		if ok {
			eligible = append(eligible, rcpt)
		}
	}

	runID := d.NewID()
	results := make(map[string]RecipientResult, len(eligible))
	sent := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	// Per-recipient work is independent; failures stay isolated in each
	// recipient's result entry.
	for _, rcpt := range eligible {
		wg.Add(1)
		go func(rcpt recipient) {
			defer wg.Done()
			dispatchInflight.Inc()
			defer dispatchInflight.Dec()

			html := d.render(req.Template, BuildDigestData(rcpt.fullName, rcpt.commitments, rcpt.loc, now))
			result := d.send(ctx, rcpt.email, html, rcpt.loc, rcpt.preferredTime)
			d.publishDelivery(runID, rcpt.userID, result, false, now)

			mu.Lock()
			results[rcpt.userID] = result
			if result.Status == contracts.DeliveryStatusSent {
				sent++
			}
			mu.Unlock()
		}(rcpt)
	}
	wg.Wait()

	d.Log.Info("digest run finished",
		zap.String("run_id", runID),
		zap.Int("commitments", len(commitments)),
		zap.Int("users_with_commitments", len(order)),
		zap.Int("eligible", len(eligible)),
		zap.Int("sent", sent),
	)

	return Response{
		Message: fmt.Sprintf("digest dispatched to %d of %d eligible users (%d with pending commitments)",
			sent, len(eligible), len(order)),
		Sent:    sent,
		RunID:   runID,
		Results: results,
	}, nil
}

// resolveRecipient applies the opt-in and send-window checks for one
// user. A false return with nil error means the user is skipped.
func (d *Dispatcher) resolveRecipient(ctx context.Context, userID string, commitments []Commitment, now time.Time) (recipient, bool, error) {
	profile, err := d.Repo.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		d.Log.Debug("skipping user without profile", zap.String("user_id", userID))
		return recipient{}, false, nil
	}
	if err != nil {
		return recipient{}, false, err
	}
	if !profile.ReceiveAgendaNotifications {
		return recipient{}, false, nil
	}

	settings, err := d.Repo.GetSettings(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		settings = NotificationSettings{UserID: userID, AgendaEmailTime: defaultSendTime}
	} else if err != nil {
		return recipient{}, false, err
	}

	loc := ResolveZone(profile.Timezone, settings.AgendaTimezone, d.Config.DefaultZone)
	preferredM, perr := ParseClock(settings.AgendaEmailTime)
	if perr != nil {
		d.Log.Warn("invalid agenda_email_time, using default",
			zap.String("user_id", userID),
			zap.String("agenda_email_time", settings.AgendaEmailTime),
		)
		preferredM = defaultSendMinutes
	}

	if !InSendWindow(MinutesOfDay(now.In(loc)), preferredM) {
		return recipient{}, false, nil
	}

	email, err := d.Repo.GetUserEmail(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		// No resolvable address: nothing actionable, skip silently.
		d.Log.Debug("skipping user without email", zap.String("user_id", userID))
		return recipient{}, false, nil
	}
	if err != nil {
		return recipient{}, false, err
	}

	return recipient{
		userID:        userID,
		email:         email,
		fullName:      profile.FullName,
		preferredTime: FormatMinutes(preferredM),
		loc:           loc,
		commitments:   commitments,
	}, true, nil
}

// render falls back to the default template when a caller-supplied
// override is broken; a bad override must not kill a scheduled run.
func (d *Dispatcher) render(src string, data DigestData) string {
	html, err := RenderDigest(src, data)
	if err == nil {
		return html
	}
	d.Log.Warn("custom template rejected, using default", zap.Error(err))
	html, err = RenderDigest("", data)
	if err != nil {
		// The default template is compile-time validated.
		panic(err)
	}
	return html
}

func (d *Dispatcher) send(ctx context.Context, address, html string, loc *time.Location, preferredTime string) RecipientResult {
	result := RecipientResult{
		Timezone:      loc.String(),
		PreferredTime: preferredTime,
	}
	res, err := d.Mail.Send(ctx, mail.Request{
		To:      []string{address},
		From:    d.Config.FromAddress,
		Subject: d.Config.Subject,
		HTML:    html,
	})
	if err != nil {
		d.Log.Error("digest send failed", zap.String("to", address), zap.Error(err))
		result.Status = contracts.DeliveryStatusError
		result.Error = err.Error()
		deliveriesTotal.WithLabelValues(contracts.DeliveryStatusError).Inc()
		return result
	}
	result.Status = contracts.DeliveryStatusSent
	result.EmailID = res.EmailID
	deliveriesTotal.WithLabelValues(contracts.DeliveryStatusSent).Inc()
	return result
}

// publishDelivery emits the audit event for one recipient outcome.
// Publishing is best effort: the run result stands even if the audit
// stream is unavailable.
func (d *Dispatcher) publishDelivery(runID, userID string, result RecipientResult, test bool, now time.Time) {
	if d.Publish == nil {
		return
	}
	event := contracts.DeliveryEvent{
		EventID:       d.NewID(),
		RunID:         runID,
		UserID:        userID,
		EmailID:       result.EmailID,
		Status:        result.Status,
		Error:         result.Error,
		Timezone:      result.Timezone,
		PreferredTime: result.PreferredTime,
		Test:          test,
		OccurredAt:    now,
		ShardID:       sharding.GetShardID(userID),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.Log.Error("marshal delivery event failed", zap.Error(err))
		return
	}
	if err := d.Publish(sharding.GetSubject("user", userID), payload); err != nil {
		d.Log.Error("publish delivery event failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}
