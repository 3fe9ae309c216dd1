package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"fundflow/alert"
	"fundflow/delivery"
	"fundflow/lock"
)

var start = time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)

type testEnv struct {
	mu       sync.Mutex
	now      time.Time
	repo     *fakeRepo
	alerts   *fakeAlerts
	notifier *fakeNotifier
	locker   *lock.MemoryLocker
	svc      *Service
}

func newTestEnv(cfg Config) *testEnv {
	env := &testEnv{
		now:      start,
		repo:     newFakeRepo(),
		alerts:   &fakeAlerts{},
		notifier: &fakeNotifier{seen: map[string]bool{}},
	}
	env.locker = lock.NewMemoryLocker().WithClock(env.clock)
	n := 0
	var idMu sync.Mutex
	env.svc = NewService(env.repo, env.locker, env.alerts, env.notifier, cfg).
		WithClock(env.clock).
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		})
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) setDay(day int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = start.AddDate(0, 0, day).Add(time.Hour)
}

func (e *testEnv) addPending(id string, amount int64, createdDaysAgo int) {
	e.repo.pending[id] = PendingFund{
		ID:        id,
		OwnerID:   "owner-" + id,
		Amount:    amount,
		Currency:  "eur",
		Status:    StatusPending,
		CreatedAt: e.clock().AddDate(0, 0, -createdDaysAgo),
	}
}

func TestProcessingFee(t *testing.T) {
	cases := []struct {
		amount  int64
		percent int
		fee     int64
	}{
		{10000, 20, 2000},
		{12345, 20, 2469},
		{25, 10, 3},
		{0, 20, 0},
	}
	for _, tc := range cases {
		if got := ProcessingFee(tc.amount, tc.percent); got != tc.fee {
			t.Fatalf("fee(%d, %d%%): expected %d, got %d", tc.amount, tc.percent, tc.fee, got)
		}
	}
}

func TestReminderEventType(t *testing.T) {
	cases := map[int]string{
		7:   EventReminderInitial,
		30:  EventReminderInitial,
		60:  EventReminderFollowup,
		90:  EventReminderFollowup,
		120: EventReminderUrgent,
		150: EventReminderUrgent,
	}
	for day, want := range cases {
		if got := ReminderEventType(day); got != want {
			t.Fatalf("day %d: expected %s, got %s", day, want, got)
		}
	}
}

func TestSweep_RemindersAcrossDailySweeps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReminderDays = []int{7, 30, 90}
	env := newTestEnv(cfg)
	env.addPending("p1", 5000, 0)

	total := 0
	for day := 0; day <= 100; day++ {
		env.setDay(day)
		res, err := env.svc.Sweep(context.Background())
		if err != nil {
			t.Fatalf("day %d sweep: %v", day, err)
		}
		total += res.Reminders.Sent
	}

	if total != 3 {
		t.Fatalf("expected 3 reminders, got %d", total)
	}
	got := env.repo.pending["p1"].RemindersSent
	if len(got) != 3 || got[0] != 7 || got[1] != 30 || got[2] != 90 {
		t.Fatalf("expected reminders [7 30 90], got %v", got)
	}
	wantTypes := []string{EventReminderInitial, EventReminderInitial, EventReminderFollowup}
	if len(env.notifier.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(env.notifier.events))
	}
	for i, ev := range env.notifier.events {
		if ev.EventType != wantTypes[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantTypes[i], ev.EventType)
		}
	}
	if key := env.notifier.events[0].DedupeKey; key != "unclaimed_funds_reminder_p1_7" {
		t.Fatalf("unexpected dedupe key %q", key)
	}
}

func TestSweep_MissedReminderIsNotSentLate(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	env.addPending("p1", 5000, 100)

	res, err := env.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Reminders.Sent != 0 {
		t.Fatalf("expected no late reminder, got %d", res.Reminders.Sent)
	}
}

func TestSweep_ReminderEmitFailureIsRetriedNextDay(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	env.addPending("p1", 5000, 7)
	env.notifier.fail = true

	res, err := env.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Reminders.Failed != 1 || len(env.repo.pending["p1"].RemindersSent) != 0 {
		t.Fatalf("expected failed reminder left unrecorded, got %+v", res.Reminders)
	}

	env.notifier.fail = false
	env.setDay(1)
	res, err = env.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Reminders.Sent != 1 {
		t.Fatalf("expected reminder within grace window, got %+v", res.Reminders)
	}
}

func TestSweep_EscalatesThenForfeitsExactlyOnce(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	env.addPending("p1", 10000, 200)

	res, err := env.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Escalations != 1 {
		t.Fatalf("expected escalation before forfeiture, got %d", res.Escalations)
	}
	if res.Forfeitures.Processed != 1 || res.Forfeitures.Amount != 10000 {
		t.Fatalf("expected one forfeiture of 10000, got %+v", res.Forfeitures)
	}

	for i := 0; i < 3; i++ {
		res, err = env.svc.Sweep(context.Background())
		if err != nil {
			t.Fatalf("repeat sweep: %v", err)
		}
		if res.Forfeitures.Processed != 0 {
			t.Fatalf("expected no repeat forfeiture, got %d", res.Forfeitures.Processed)
		}
	}

	if len(env.repo.forfeited) != 1 {
		t.Fatalf("expected exactly one forfeited record, got %d", len(env.repo.forfeited))
	}
	for _, ff := range env.repo.forfeited {
		if ff.OriginalRecordID != "p1" || ff.ClaimStatus != ClaimEligible {
			t.Fatalf("unexpected forfeited record %+v", ff)
		}
		if want := env.clock().AddDate(0, 0, 365); !ff.ExceptionalClaimDeadline.Equal(want) {
			t.Fatalf("expected deadline %v, got %v", want, ff.ExceptionalClaimDeadline)
		}
	}
	if env.repo.pending["p1"].Status != StatusForfeited {
		t.Fatalf("expected original forfeited, got %s", env.repo.pending["p1"].Status)
	}
	if n := env.alerts.count(alert.TypeEscrowEscalation); n != 1 {
		t.Fatalf("expected one escalation alert, got %d", n)
	}
	if n := env.alerts.count(alert.TypeEscrowForfeiture); n != 1 {
		t.Fatalf("expected one forfeiture summary alert, got %d", n)
	}
}

func TestSweep_ConcurrentSweepsForfeitOnce(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	for i := 0; i < 20; i++ {
		env.addPending(fmt.Sprintf("p%02d", i), 1000, 190)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		skipped int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.Sweep(context.Background())
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			if res.Skipped {
				mu.Lock()
				skipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(env.repo.forfeited) != 20 {
		t.Fatalf("expected 20 forfeited records, got %d", len(env.repo.forfeited))
	}
	if skipped == 6 {
		t.Fatal("expected at least one sweep to run")
	}
}

func TestSweep_EscalationWithoutForfeiture(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalationDays = 150
	env := newTestEnv(cfg)
	env.addPending("p1", 4000, 160)

	res, err := env.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Escalations != 1 || res.Forfeitures.Processed != 0 {
		t.Fatalf("expected escalation only, got %+v", res)
	}
	p := env.repo.pending["p1"]
	if p.Status != StatusEscalated || p.Amount != 4000 {
		t.Fatalf("expected escalated record with unchanged amount, got %+v", p)
	}
	if !env.notifier.seen["unclaimed_funds_escalated_p1"] {
		t.Fatal("expected urgent owner event")
	}

	// Escalation happens once.
	res, _ = env.svc.Sweep(context.Background())
	if res.Escalations != 0 {
		t.Fatalf("expected no repeat escalation, got %d", res.Escalations)
	}
}

func TestSweep_SkippedWhenLockHeld(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	env.addPending("p1", 1000, 200)
	if _, err := env.locker.Acquire(context.Background(), sweepLockKey, "other-process", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	res, err := env.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected sweep to be skipped")
	}
	if len(env.repo.forfeited) != 0 {
		t.Fatal("expected no work while locked")
	}
}

func TestSweep_ReportStatsAndThresholdAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscrowAlertThreshold = 5000
	env := newTestEnv(cfg)
	env.addPending("p1", 3000, 10)
	env.addPending("p2", 4000, 70)

	res, err := env.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Stats.PendingCount != 2 || res.Stats.TotalEscrowedFunds != 7000 {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
	if res.Stats.PendingByAge["0-30"] != 1 || res.Stats.PendingByAge["61-90"] != 1 {
		t.Fatalf("unexpected age buckets %v", res.Stats.PendingByAge)
	}
	if res.Stats.OldestPendingDays != 70 {
		t.Fatalf("expected oldest 70 days, got %d", res.Stats.OldestPendingDays)
	}
	if env.repo.reports != 1 {
		t.Fatalf("expected one daily report, got %d", env.repo.reports)
	}
	if n := env.alerts.count(alert.TypeEscrowThreshold); n != 1 {
		t.Fatalf("expected threshold alert, got %d", n)
	}
}

func TestSweep_ExpiresClaims(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	env.repo.addForfeited(ForfeitedFund{ID: "f1", OriginalRecordID: "p1", Amount: 100, ExceptionalClaimDeadline: start.Add(-time.Hour), ClaimStatus: ClaimEligible})
	env.repo.addForfeited(ForfeitedFund{ID: "f2", OriginalRecordID: "p2", Amount: 100, ExceptionalClaimDeadline: start.AddDate(0, 0, 10), ClaimStatus: ClaimEligible})

	res, err := env.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ClaimsExpired != 1 {
		t.Fatalf("expected 1 expired claim, got %d", res.ClaimsExpired)
	}
	if env.repo.forfeited["f1"].ClaimStatus != ClaimExpired || env.repo.forfeited["f2"].ClaimStatus != ClaimEligible {
		t.Fatal("unexpected claim statuses")
	}
}

func TestApproveClaim(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	env.repo.pending["p1"] = PendingFund{ID: "p1", OwnerID: "o1", Amount: 10000, Currency: "eur", Status: StatusForfeited, CreatedAt: start.AddDate(0, 0, -200)}
	env.repo.addForfeited(ForfeitedFund{ID: "f1", OriginalRecordID: "p1", OwnerID: "o1", Amount: 10000, Currency: "eur",
		ExceptionalClaimDeadline: start.AddDate(0, 0, 30), ClaimStatus: ClaimEligible})

	res, err := env.svc.ApproveClaim(context.Background(), "f1", ClaimRequest{Reason: ClaimMedicalIncapacity, AdminID: "admin-1", Documents: []string{"doc.pdf"}})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.RefundAmount != 8000 || res.ProcessingFee != 2000 {
		t.Fatalf("expected refund 8000 fee 2000, got %+v", res)
	}

	refund, ok := env.repo.pending[res.NewPendingID]
	if !ok {
		t.Fatalf("expected new pending record %s", res.NewPendingID)
	}
	if refund.Amount != 8000 || refund.Status != StatusPending || refund.SourceForfeitedID != "f1" {
		t.Fatalf("unexpected refund record %+v", refund)
	}
	if env.repo.pending["p1"].Status != StatusClaimedAfterForfeiture {
		t.Fatalf("expected original closed, got %s", env.repo.pending["p1"].Status)
	}
	if env.repo.forfeited["f1"].ClaimStatus != ClaimApproved {
		t.Fatal("expected claim approved")
	}

	if _, err := env.svc.ApproveClaim(context.Background(), "f1", ClaimRequest{Reason: ClaimMedicalIncapacity, AdminID: "admin-1"}); !errors.Is(err, ErrClaimNotEligible) {
		t.Fatalf("expected ErrClaimNotEligible on second approval, got %v", err)
	}
}

func TestApproveClaim_DeadlinePassed(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	env.repo.addForfeited(ForfeitedFund{ID: "f1", OriginalRecordID: "p1", Amount: 10000,
		ExceptionalClaimDeadline: start.Add(-time.Minute), ClaimStatus: ClaimEligible})

	_, err := env.svc.ApproveClaim(context.Background(), "f1", ClaimRequest{Reason: ClaimForceMajeure, AdminID: "a"})
	if !errors.Is(err, ErrClaimDeadlinePassed) {
		t.Fatalf("expected deadline passed, got %v", err)
	}
	if env.repo.forfeited["f1"].ClaimStatus != ClaimExpired {
		t.Fatal("expected claim flipped to expired")
	}
}

func TestApproveClaim_RejectsBadInput(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	if _, err := env.svc.ApproveClaim(context.Background(), "f1", ClaimRequest{Reason: "bored", AdminID: "a"}); !errors.Is(err, ErrInvalidClaimReason) {
		t.Fatalf("expected invalid reason, got %v", err)
	}
	if _, err := env.svc.ApproveClaim(context.Background(), "f1", ClaimRequest{Reason: ClaimPlatformError}); !errors.Is(err, ErrMissingAdmin) {
		t.Fatalf("expected missing admin, got %v", err)
	}
	if _, err := env.svc.ApproveClaim(context.Background(), "nope", ClaimRequest{Reason: ClaimPlatformError, AdminID: "a"}); !errors.Is(err, ErrForfeitedNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCheckBalance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BalanceBuffer = 500
	env := newTestEnv(cfg)
	env.addPending("p1", 10000, 5)

	env.svc.WithBalanceProvider(fakeBalance{available: 10200})
	check, err := env.svc.CheckBalance(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Adequate || check.Required != 10500 {
		t.Fatalf("expected inadequate with required 10500, got %+v", check)
	}
	if n := env.alerts.count(alert.TypeInsufficientBalance); n != 1 {
		t.Fatalf("expected critical balance alert, got %d", n)
	}

	env.svc.WithBalanceProvider(fakeBalance{err: errors.New("provider down")})
	check, err = env.svc.CheckBalance(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Adequate || check.Err == "" {
		t.Fatalf("expected fail-open result, got %+v", check)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg := DefaultConfig()
	cfg.ForfeitureDays = 100
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected forfeiture before escalation to be rejected")
	}
	cfg = DefaultConfig()
	cfg.ReminderDays = []int{30, 7}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unordered reminder days to be rejected")
	}
}

func TestTransitions(t *testing.T) {
	if err := ValidateTransition(StatusPending, StatusEscalated); err != nil {
		t.Fatalf("pending → escalated: %v", err)
	}
	if err := ValidateTransition(StatusEscalated, StatusPending); err == nil {
		t.Fatal("expected backward transition to be rejected")
	}
	if err := ValidateTransition(StatusClaimedAfterForfeiture, StatusPending); err == nil {
		t.Fatal("expected terminal status to be final")
	}
}

type fakeRepo struct {
	mu         sync.Mutex
	pending    map[string]PendingFund
	forfeited  map[string]ForfeitedFund
	byOriginal map[string]string
	logs       []string
	reports    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		pending:    map[string]PendingFund{},
		forfeited:  map[string]ForfeitedFund{},
		byOriginal: map[string]string{},
	}
}

func (f *fakeRepo) addForfeited(ff ForfeitedFund) {
	f.forfeited[ff.ID] = ff
	f.byOriginal[ff.OriginalRecordID] = ff.ID
}

func (f *fakeRepo) ListOpen(_ context.Context, after Cursor, limit int) ([]PendingFund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []PendingFund
	for _, p := range f.pending {
		if p.Status.Open() {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	var out []PendingFund
	for _, p := range all {
		if p.CreatedAt.Before(after.CreatedAt) || (p.CreatedAt.Equal(after.CreatedAt) && p.ID <= after.ID) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) AppendReminder(_ context.Context, id string, day int, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	if !ok || p.Status != StatusPending || p.reminderSent(day) {
		return false, nil
	}
	p.RemindersSent = append(p.RemindersSent, day)
	f.pending[id] = p
	return true, nil
}

func (f *fakeRepo) Escalate(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	if !ok || p.Status != StatusPending || p.EscalatedAt != nil {
		return false, nil
	}
	p.Status = StatusEscalated
	p.EscalatedAt = &at
	f.pending[id] = p
	return true, nil
}

func (f *fakeRepo) Forfeit(_ context.Context, ff ForfeitedFund) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[ff.OriginalRecordID]
	if !ok || !p.Status.Open() {
		return false, nil
	}
	if _, dup := f.byOriginal[ff.OriginalRecordID]; dup {
		return false, nil
	}
	at := ff.ForfeitedAt
	p.Status = StatusForfeited
	p.ForfeitedAt = &at
	f.pending[p.ID] = p
	f.forfeited[ff.ID] = ff
	f.byOriginal[ff.OriginalRecordID] = ff.ID
	f.logs = append(f.logs, "forfeited:"+p.ID)
	return true, nil
}

func (f *fakeRepo) ExpireClaims(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, ff := range f.forfeited {
		if ff.ClaimStatus == ClaimEligible && ff.ExceptionalClaimDeadline.Before(now) {
			ff.ClaimStatus = ClaimExpired
			f.forfeited[id] = ff
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ExpireClaim(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.forfeited[id]
	if !ok || ff.ClaimStatus != ClaimEligible {
		return false, nil
	}
	ff.ClaimStatus = ClaimExpired
	f.forfeited[id] = ff
	return true, nil
}

func (f *fakeRepo) GetForfeited(_ context.Context, id string) (ForfeitedFund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.forfeited[id]
	if !ok {
		return ForfeitedFund{}, ErrForfeitedNotFound
	}
	return ff, nil
}

func (f *fakeRepo) ApproveClaim(_ context.Context, a ClaimApproval) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.forfeited[a.ForfeitedID]
	if !ok || ff.ClaimStatus != ClaimEligible || a.At.After(ff.ExceptionalClaimDeadline) {
		return false, nil
	}
	ff.ClaimStatus = ClaimApproved
	ff.ClaimReason = string(a.Reason)
	ff.RefundAmount = &a.RefundAmount
	ff.ProcessingFee = &a.ProcessingFee
	ff.ClaimProcessedBy = a.AdminID
	f.forfeited[ff.ID] = ff

	if p, ok := f.pending[a.OriginalRecordID]; ok && p.Status == StatusForfeited {
		p.Status = StatusClaimedAfterForfeiture
		f.pending[p.ID] = p
	}
	f.pending[a.NewPendingID] = PendingFund{
		ID:                a.NewPendingID,
		OwnerID:           a.OwnerID,
		Amount:            a.RefundAmount,
		Currency:          a.Currency,
		Status:            StatusPending,
		Reason:            "exceptional_claim_refund",
		SourceForfeitedID: a.ForfeitedID,
		CreatedAt:         a.At,
	}
	f.logs = append(f.logs, "exceptional_claim_approved:"+ff.ID)
	return true, nil
}

func (f *fakeRepo) InsertLog(_ context.Context, recordID, action string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, action+":"+recordID)
	return nil
}

func (f *fakeRepo) Stats(_ context.Context, now time.Time) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := Stats{PendingByAge: emptyBuckets()}
	for _, p := range f.pending {
		if p.Status.Open() {
			stats.add(ageInDays(p.CreatedAt, now), p.Status, 1, p.Amount)
		}
	}
	for _, ff := range f.forfeited {
		if ff.ClaimStatus != ClaimApproved {
			stats.ForfeitedCount++
			stats.ForfeitedAmount += ff.Amount
		}
	}
	return stats, nil
}

func (f *fakeRepo) PendingTotal(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, p := range f.pending {
		if p.Status.Open() {
			total += p.Amount
		}
	}
	return total, nil
}

func (f *fakeRepo) SaveReport(context.Context, time.Time, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports++
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	fail   bool
	seen   map[string]bool
	events []delivery.Event
}

func (f *fakeNotifier) Emit(_ context.Context, ev delivery.Event) (delivery.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return delivery.Event{}, false, errors.New("event store unavailable")
	}
	if f.seen[ev.DedupeKey] {
		return ev, false, nil
	}
	f.seen[ev.DedupeKey] = true
	f.events = append(f.events, ev)
	return ev, true, nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	byID   map[string]alert.Alert
	raised []alert.Alert
}

func (f *fakeAlerts) Raise(_ context.Context, a alert.Alert) (alert.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID == nil {
		f.byID = map[string]alert.Alert{}
	}
	if a.ID != "" {
		if _, dup := f.byID[a.ID]; dup {
			return a, nil
		}
		f.byID[a.ID] = a
	}
	f.raised = append(f.raised, a)
	return a, nil
}

func (f *fakeAlerts) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.raised {
		if a.Type == typ {
			n++
		}
	}
	return n
}

type fakeBalance struct {
	available int64
	err       error
}

func (f fakeBalance) AvailableBalance(context.Context) (int64, error) {
	return f.available, f.err
}
