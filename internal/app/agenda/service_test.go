package agenda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexagenda/project/internal/contracts"
	"github.com/lexagenda/project/internal/mail"
)

type fakeRepo struct {
	mu           sync.Mutex
	commitments  []Commitment
	profiles     map[string]Profile
	settings     map[string]NotificationSettings
	emails       map[string]string
	listErr      error
	profileCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		profiles: map[string]Profile{},
		settings: map[string]NotificationSettings{},
		emails:   map[string]string{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) ListPendingCommitments(ctx context.Context, from, to time.Time) ([]Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := []Commitment{}
	for _, c := range f.commitments {
		if c.Status == StatusPending && !c.Date.Before(from) && c.Date.Before(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListPendingCommitmentsForUser(ctx context.Context, userID string, from, to time.Time) ([]Commitment, error) {
	all, err := f.ListPendingCommitments(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := []Commitment{}
	for _, c := range all {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetProfile(ctx context.Context, userID string) (Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	p, ok := f.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) GetSettings(ctx context.Context, userID string) (NotificationSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settings[userID]
	if !ok {
		return NotificationSettings{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeRepo) GetUserEmail(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.emails[userID]
	if !ok {
		return "", ErrNotFound
	}
	return email, nil
}

func (f *fakeRepo) FindUserByEmail(ctx context.Context, email string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, addr := range f.emails {
		if strings.EqualFold(addr, email) {
			return User{ID: id, Email: addr}, nil
		}
	}
	return User{}, ErrNotFound
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []mail.Request
	failFor map[string]error
}

func (f *fakeSender) Send(ctx context.Context, req mail.Request) (mail.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(req.To) == 1 {
		if err, ok := f.failFor[req.To[0]]; ok {
			return mail.Result{}, err
		}
	}
	f.sent = append(f.sent, req)
	return mail.Result{EmailID: fmt.Sprintf("email-%d", len(f.sent))}, nil
}

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, req := range f.sent {
		out = append(out, req.To...)
	}
	return out
}

func (f *fakeSender) htmlFor(address string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.sent {
		for _, to := range req.To {
			if to == address {
				return req.HTML
			}
		}
	}
	return ""
}

// fixedNow is 11:30 UTC, which is 08:30 in America/Sao_Paulo.
var fixedNow = time.Date(2026, time.August, 28, 11, 30, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T, repo *fakeRepo, sender *fakeSender) *Dispatcher {
	t.Helper()
	zone, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	d := NewDispatcher(repo, sender, Config{
		WebhookSecret: "hook-secret",
		FromAddress:   "Agenda <agenda@example.com>",
		DefaultZone:   zone,
	}, nil)
	d.Now = func() time.Time { return fixedNow }
	var seq atomic.Int64
	d.NewID = func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	return d
}

func addUser(repo *fakeRepo, userID, email, name, tz, sendTime string, optIn bool) {
	repo.profiles[userID] = Profile{
		UserID:                     userID,
		FullName:                   name,
		ReceiveAgendaNotifications: optIn,
		Timezone:                   tz,
	}
	if sendTime != "" {
		repo.settings[userID] = NotificationSettings{UserID: userID, AgendaEmailTime: sendTime}
	}
	if email != "" {
		repo.emails[userID] = email
	}
}

func pendingCommitment(userID, title string, at time.Time) Commitment {
	return Commitment{
		ID:     "c-" + title,
		UserID: userID,
		Title:  title,
		Date:   at,
		Status: StatusPending,
	}
}

func TestRun_Unauthorized(t *testing.T) {
	d := newTestDispatcher(t, newFakeRepo(), &fakeSender{})

	_, err := d.Run(context.Background(), Request{Secret: "wrong", Source: "unknown"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRun_AuthorizedByTrustedSource(t *testing.T) {
	d := newTestDispatcher(t, newFakeRepo(), &fakeSender{})

	resp, err := d.Run(context.Background(), Request{Source: "scheduled-hourly"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 0 {
		t.Fatalf("unexpected sent count: %d", resp.Sent)
	}
}

func TestRun_NoCommitmentsShortCircuits(t *testing.T) {
	repo := newFakeRepo()
	addUser(repo, "u1", "ana@example.com", "Ana", "", "08:00", true)
	d := newTestDispatcher(t, repo, &fakeSender{})

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 0 || !strings.Contains(resp.Message, "no pending commitments") {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if repo.profileCalls != 0 {
		t.Fatalf("expected no profile lookups, got %d", repo.profileCalls)
	}
}

func TestRun_EligibleUserReceivesDigest(t *testing.T) {
	repo := newFakeRepo()
	addUser(repo, "u1", "ana@example.com", "Ana Pereira", "America/Sao_Paulo", "08:00", true)
	repo.commitments = []Commitment{
		pendingCommitment("u1", "Hearing", fixedNow.Add(4*time.Hour)),
	}
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 1 {
		t.Fatalf("expected sent=1, got %d (%s)", resp.Sent, resp.Message)
	}
	result, ok := resp.Results["u1"]
	if !ok {
		t.Fatalf("missing result entry for u1: %+v", resp.Results)
	}
	if result.Status != contracts.DeliveryStatusSent || result.EmailID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Timezone != "America/Sao_Paulo" || result.PreferredTime != "08:00" {
		t.Fatalf("unexpected timezone/preferred time: %+v", result)
	}
	if got := sender.sentTo(); len(got) != 1 || got[0] != "ana@example.com" {
		t.Fatalf("unexpected recipients: %v", got)
	}
	if html := sender.htmlFor("ana@example.com"); !strings.Contains(html, "Hearing") {
		t.Fatalf("digest body missing commitment title")
	}
}

func TestRun_OutsideSendWindowSkipped(t *testing.T) {
	repo := newFakeRepo()
	// Local time is 08:30; a 07:00 preference closed at 08:00.
	addUser(repo, "u1", "ana@example.com", "Ana", "America/Sao_Paulo", "07:00", true)
	repo.commitments = []Commitment{
		pendingCommitment("u1", "Hearing", fixedNow.Add(2*time.Hour)),
	}
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 0 || len(resp.Results) != 0 {
		t.Fatalf("expected no dispatches, got %+v", resp)
	}
}

func TestRun_WraparoundWindowEligibility(t *testing.T) {
	repo := newFakeRepo()
	// 23:30 preference, local time 00:15 next day: eligible via wraparound.
	// 03:15 UTC is 00:15 in America/Sao_Paulo.
	addUser(repo, "u1", "ana@example.com", "Ana", "America/Sao_Paulo", "23:30", true)
	repo.commitments = []Commitment{
		pendingCommitment("u1", "Filing deadline", fixedNow.Add(time.Hour)),
	}
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)
	d.Now = func() time.Time {
		return time.Date(2026, time.August, 28, 3, 15, 0, 0, time.UTC)
	}
	repo.commitments[0].Date = d.Now().Add(time.Hour)

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 1 {
		t.Fatalf("expected wraparound eligibility, got %+v", resp)
	}
}

func TestRun_OptOutNeverDispatched(t *testing.T) {
	repo := newFakeRepo()
	addUser(repo, "u1", "ana@example.com", "Ana", "America/Sao_Paulo", "08:00", false)
	repo.commitments = []Commitment{
		pendingCommitment("u1", "Hearing", fixedNow.Add(2*time.Hour)),
	}
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 0 || len(sender.sentTo()) != 0 {
		t.Fatalf("opt-out user was dispatched: %+v", resp)
	}
}

func TestRun_MissingEmailSkippedSilently(t *testing.T) {
	repo := newFakeRepo()
	addUser(repo, "u1", "", "Ana", "America/Sao_Paulo", "08:00", true)
	repo.commitments = []Commitment{
		pendingCommitment("u1", "Hearing", fixedNow.Add(2*time.Hour)),
	}
	d := newTestDispatcher(t, repo, &fakeSender{})

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 0 {
		t.Fatalf("unexpected sent count: %d", resp.Sent)
	}
	if _, ok := resp.Results["u1"]; ok {
		t.Fatal("user without email should not appear in results")
	}
}

func TestRun_SendFailureDoesNotAffectOthers(t *testing.T) {
	repo := newFakeRepo()
	addUser(repo, "u1", "ana@example.com", "Ana", "America/Sao_Paulo", "08:00", true)
	addUser(repo, "u2", "bruno@example.com", "Bruno", "America/Sao_Paulo", "08:00", true)
	repo.commitments = []Commitment{
		pendingCommitment("u1", "Hearing", fixedNow.Add(2*time.Hour)),
		pendingCommitment("u2", "Deposition", fixedNow.Add(3*time.Hour)),
	}
	sender := &fakeSender{failFor: map[string]error{
		"ana@example.com": errors.New("provider rejected message"),
	}}
	d := newTestDispatcher(t, repo, sender)

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 1 {
		t.Fatalf("expected sent=1, got %d", resp.Sent)
	}
	failed := resp.Results["u1"]
	if failed.Status != contracts.DeliveryStatusError || !strings.Contains(failed.Error, "provider rejected message") {
		t.Fatalf("unexpected failed result: %+v", failed)
	}
	if ok := resp.Results["u2"]; ok.Status != contracts.DeliveryStatusSent {
		t.Fatalf("unexpected succeeded result: %+v", ok)
	}
}

func TestRun_StoreFailureAbortsRun(t *testing.T) {
	repo := newFakeRepo()
	repo.listErr = errors.New("connection refused")
	d := newTestDispatcher(t, repo, &fakeSender{})

	_, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected store error to abort the run, got %v", err)
	}
}

func TestRun_PreviewTouchesNothing(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret", Preview: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !resp.Preview || resp.HTML == "" {
		t.Fatalf("expected preview HTML, got %+v", resp)
	}
	if len(sender.sentTo()) != 0 {
		t.Fatal("preview must not send mail")
	}
	if repo.profileCalls != 0 {
		t.Fatal("preview must not touch the data store")
	}
}

func TestRun_PreviewInvalidTemplate(t *testing.T) {
	d := newTestDispatcher(t, newFakeRepo(), &fakeSender{})

	_, err := d.Run(context.Background(), Request{
		Secret:   "hook-secret",
		Preview:  true,
		Template: "{{.Broken",
	})
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
}

func TestRun_TestDispatchUnknownEmail(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, newFakeRepo(), sender)

	resp, err := d.Run(context.Background(), Request{
		Secret:    "hook-secret",
		TestEmail: "nobody@example.com",
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !resp.Test || resp.Sent != 1 {
		t.Fatalf("expected one test send, got %+v", resp)
	}
	if got := sender.sentTo(); len(got) != 1 || got[0] != "nobody@example.com" {
		t.Fatalf("unexpected recipients: %v", got)
	}
	if _, ok := resp.Results["test"]; !ok {
		t.Fatalf("expected generic test result entry, got %+v", resp.Results)
	}
}

func TestRun_TestDispatchKnownUserWithoutCommitments(t *testing.T) {
	repo := newFakeRepo()
	addUser(repo, "u1", "ana@example.com", "Ana Pereira", "America/Sao_Paulo", "08:00", true)
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)

	resp, err := d.Run(context.Background(), Request{
		Secret:    "hook-secret",
		TestEmail: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !resp.Test || resp.Sent != 1 {
		t.Fatalf("expected one test send with sample data, got %+v", resp)
	}
	html := sender.htmlFor("ana@example.com")
	if !strings.Contains(html, "Ana Pereira") {
		t.Fatal("test digest not personalized with account name")
	}
	// Sample data is used when the account has no real commitments.
	if !strings.Contains(html, "Hearing - preliminary conciliation") {
		t.Fatal("test digest missing fabricated sample commitment")
	}
}

func TestRun_TestDispatchBypassesEligibility(t *testing.T) {
	repo := newFakeRepo()
	// Opted out and far outside the send window; test mode ignores both.
	addUser(repo, "u1", "ana@example.com", "Ana", "America/Sao_Paulo", "23:00", false)
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)

	resp, err := d.Run(context.Background(), Request{
		Secret:    "hook-secret",
		TestEmail: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Sent != 1 {
		t.Fatalf("test dispatch was filtered: %+v", resp)
	}
}

func TestRun_PublishesDeliveryEvents(t *testing.T) {
	repo := newFakeRepo()
	addUser(repo, "u1", "ana@example.com", "Ana", "America/Sao_Paulo", "08:00", true)
	repo.commitments = []Commitment{
		pendingCommitment("u1", "Hearing", fixedNow.Add(2*time.Hour)),
	}
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)

	var mu sync.Mutex
	events := []contracts.DeliveryEvent{}
	d.Publish = func(subject string, payload []byte) error {
		var event contracts.DeliveryEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return err
		}
		if !strings.HasPrefix(subject, "agenda.delivery.") {
			t.Errorf("unexpected subject: %s", subject)
		}
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
		return nil
	}

	resp, err := d.Run(context.Background(), Request{Secret: "hook-secret"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 delivery event, got %d", len(events))
	}
	event := events[0]
	if event.UserID != "u1" || event.Status != contracts.DeliveryStatusSent || event.RunID != resp.RunID {
		t.Fatalf("unexpected delivery event: %+v", event)
	}
}

func TestRun_GroupsCommitmentsInQueryOrder(t *testing.T) {
	repo := newFakeRepo()
	addUser(repo, "u1", "ana@example.com", "Ana", "America/Sao_Paulo", "08:00", true)
	repo.commitments = []Commitment{
		pendingCommitment("u1", "First hearing", fixedNow.Add(time.Hour)),
		pendingCommitment("u1", "Second hearing", fixedNow.Add(5*time.Hour)),
	}
	sender := &fakeSender{}
	d := newTestDispatcher(t, repo, sender)

	if _, err := d.Run(context.Background(), Request{Secret: "hook-secret"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	html := sender.htmlFor("ana@example.com")
	first := strings.Index(html, "First hearing")
	second := strings.Index(html, "Second hearing")
	if first == -1 || second == -1 || first > second {
		t.Fatalf("commitments not rendered in query order (first=%d second=%d)", first, second)
	}
}
