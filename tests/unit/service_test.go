package unit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cacheadapter "github.com/partnerdesk/progression-engine/internal/adapters/cache"
	eventadapter "github.com/partnerdesk/progression-engine/internal/adapters/events"
	grpcadapter "github.com/partnerdesk/progression-engine/internal/adapters/grpc"
	"github.com/partnerdesk/progression-engine/internal/adapters/postgres"
	"github.com/partnerdesk/progression-engine/internal/application"
	"github.com/partnerdesk/progression-engine/internal/contracts"
	"github.com/partnerdesk/progression-engine/internal/domain"
)

func newService() (*application.Service, *postgres.Repositories, *eventadapter.MemoryDomainPublisher) {
	repos := postgres.NewRepositories()
	domainPub := eventadapter.NewMemoryDomainPublisher()
	svc := application.NewService(application.Dependencies{
		Partners: repos.Partners, Ledger: repos.Ledger, Idempotency: repos.Idempotency,
		EventDedup: repos.EventDedup, Outbox: repos.Outbox,
		Directory: grpcadapter.NewDirectoryClient(""), Payments: grpcadapter.NewPaymentGatewayClient(""),
		Cache:        cacheadapter.NewMemoryProgressCache(),
		DomainEvents: domainPub, Analytics: eventadapter.NewMemoryAnalyticsPublisher(),
		DLQ: eventadapter.NewLoggingDLQPublisher(), Notifications: eventadapter.NewMemoryNotificationPublisher(),
	})
	return svc, repos, domainPub
}

func adminActor(idemKey string) application.Actor {
	return application.Actor{SubjectID: "admin-1", Role: application.RoleAdmin, RequestID: "req-" + idemKey, IdempotencyKey: idemKey}
}

func enroll(t *testing.T, svc *application.Service, partnerID string) {
	t.Helper()
	_, err := svc.EnrollPartner(context.Background(), adminActor(""), application.EnrollPartnerInput{PartnerID: partnerID})
	if err != nil {
		t.Fatalf("enroll %s: %v", partnerID, err)
	}
}

func grant(t *testing.T, svc *application.Service, partnerID string, amount int, idemKey string) application.GrantXPOutput {
	t.Helper()
	out, err := svc.GrantXp(context.Background(), adminActor(idemKey), application.GrantXPInput{
		PartnerID: partnerID, Amount: amount, EventType: domain.EventXPGrant, Description: "test grant",
	})
	if err != nil {
		t.Fatalf("grant %d to %s: %v", amount, partnerID, err)
	}
	return out
}

func TestEnrollStartsAtFloor(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-floor")
	p, err := repos.Partners.GetByID(context.Background(), "p-floor")
	if err != nil {
		t.Fatalf("get partner: %v", err)
	}
	if p.CurrentXP != 0 || p.CurrentRank != "Recruit" || p.HighestRank != "Recruit" || p.CommissionRate != 10 {
		t.Fatalf("unexpected enrolled state: %+v", p)
	}
}

func TestGrantPromotesAtThreshold(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-promote")
	out := grant(t, svc, "p-promote", 500, "idem-promote-1")
	if out.NewTotal != 500 || out.Rank != "Initiate" || !out.Promoted {
		t.Fatalf("unexpected grant result: %+v", out)
	}
	progress, err := svc.GetProgress(context.Background(), adminActor(""), "p-promote")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.EffectiveCommissionRate != 15 {
		t.Fatalf("commission rate = %v, want 15", progress.EffectiveCommissionRate)
	}
}

func TestGrantRejectsNegativeAmountWithoutWrite(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-neg")
	_, err := svc.GrantXp(context.Background(), adminActor("idem-neg-1"), application.GrantXPInput{
		PartnerID: "p-neg", Amount: -10, EventType: domain.EventXPGrant,
	})
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	sum, err := repos.Ledger.SumXPByPartner(context.Background(), "p-neg")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		t.Fatalf("ledger sum changed on rejected grant: %d", sum)
	}
	p, _ := repos.Partners.GetByID(context.Background(), "p-neg")
	if p.CurrentXP != 0 {
		t.Fatalf("xp changed on rejected grant: %d", p.CurrentXP)
	}
}

func TestGrantRequiresIdempotencyKey(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-idem")
	_, err := svc.GrantXp(context.Background(), adminActor(""), application.GrantXPInput{
		PartnerID: "p-idem", Amount: 50, EventType: domain.EventXPGrant,
	})
	if !errors.Is(err, domain.ErrIdempotencyRequired) {
		t.Fatalf("expected ErrIdempotencyRequired, got %v", err)
	}
}

func TestGrantIdempotentReplay(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-replay")
	first := grant(t, svc, "p-replay", 100, "idem-replay-1")
	second := grant(t, svc, "p-replay", 100, "idem-replay-1")
	if first.NewTotal != second.NewTotal || second.NewTotal != 100 {
		t.Fatalf("replay changed totals: %+v vs %+v", first, second)
	}
	sum, _ := repos.Ledger.SumXPByPartner(context.Background(), "p-replay")
	if sum != 100 {
		t.Fatalf("ledger sum = %d, want 100 (single credit)", sum)
	}

	_, err := svc.GrantXp(context.Background(), adminActor("idem-replay-1"), application.GrantXPInput{
		PartnerID: "p-replay", Amount: 999, EventType: domain.EventXPGrant,
	})
	if !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict for reused key with new payload, got %v", err)
	}
}

func TestDemoteKeepsXPAndHighestRank(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-demote")
	out := grant(t, svc, "p-demote", 2100, "idem-demote-1")
	if out.Rank != "Agent" {
		t.Fatalf("rank after 2100 xp = %s, want Agent", out.Rank)
	}
	change, err := svc.Demote(context.Background(), adminActor("idem-demote-2"), "p-demote")
	if err != nil {
		t.Fatalf("demote: %v", err)
	}
	if change.OldRank != "Agent" || change.NewRank != "Apprentice" {
		t.Fatalf("unexpected demotion path: %+v", change)
	}
	if change.XP != 2100 || change.CommissionRate != 25 {
		t.Fatalf("demotion must keep XP and apply Apprentice rate: %+v", change)
	}
	p, _ := repos.Partners.GetByID(context.Background(), "p-demote")
	if p.HighestRank != "Agent" {
		t.Fatalf("highest rank dropped on demotion: %s", p.HighestRank)
	}
}

func TestDemotedPartnerReEarnsOnlyByCrossing(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-reearn")
	grant(t, svc, "p-reearn", 2100, "idem-reearn-1")
	if _, err := svc.Demote(context.Background(), adminActor("idem-reearn-2"), "p-reearn"); err != nil {
		t.Fatalf("demote: %v", err)
	}

	small := grant(t, svc, "p-reearn", 100, "idem-reearn-3")
	if small.Promoted || small.Rank != "Apprentice" {
		t.Fatalf("grant below the next fresh threshold must not re-promote: %+v", small)
	}

	crossing := grant(t, svc, "p-reearn", 300, "idem-reearn-4")
	if !crossing.Promoted || crossing.Rank != "Operative" {
		t.Fatalf("crossing 2500 should re-earn the resolved rank: %+v", crossing)
	}
	p, _ := repos.Partners.GetByID(context.Background(), "p-reearn")
	if p.CurrentXP != 2500 || p.HighestRank != "Operative" {
		t.Fatalf("unexpected state after re-earn: %+v", p)
	}
}

func TestDemoteAtMinRankFails(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-min")
	_, err := svc.Demote(context.Background(), adminActor("idem-min-1"), "p-min")
	if !errors.Is(err, domain.ErrAlreadyMinRank) {
		t.Fatalf("expected ErrAlreadyMinRank, got %v", err)
	}
}

func TestAdvanceAtMaxRankFails(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-max")
	if _, err := svc.SetRank(context.Background(), adminActor("idem-max-1"), "p-max", "Partner Pro"); err != nil {
		t.Fatalf("set rank: %v", err)
	}
	_, err := svc.Advance(context.Background(), adminActor("idem-max-2"), "p-max")
	if !errors.Is(err, domain.ErrAlreadyMaxRank) {
		t.Fatalf("expected ErrAlreadyMaxRank, got %v", err)
	}
}

func TestSetRankVerifiedBypassesAndTopsUp(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-verify")

	// Five of Verified's twelve required tasks completed the normal way,
	// 100 XP each, leaving the partner at 500 XP.
	for i := 1; i <= 5; i++ {
		taskID := fmt.Sprintf("lesson-verified-%02d", i)
		_, err := svc.GrantXp(context.Background(), adminActor("idem-task-"+taskID), application.GrantXPInput{
			PartnerID: "p-verify", Amount: 100, EventType: domain.EventTaskCompleted,
			Description: "lesson completed", Metadata: map[string]string{domain.MetaLessonID: taskID},
		})
		if err != nil {
			t.Fatalf("complete %s: %v", taskID, err)
		}
	}

	change, err := svc.SetRank(context.Background(), adminActor("idem-verify-1"), "p-verify", "Verified")
	if err != nil {
		t.Fatalf("set rank verified: %v", err)
	}
	if change.TasksBypassed != 7 {
		t.Fatalf("tasks bypassed = %d, want 7", change.TasksBypassed)
	}
	if change.XPToppedUp != 6500 {
		t.Fatalf("xp topped up = %d, want exactly 6500", change.XPToppedUp)
	}
	if change.NewRank != "Verified" || change.CommissionRate != 40 || change.XP != 7000 {
		t.Fatalf("unexpected verified state: %+v", change)
	}

	entries, _ := repos.Ledger.ListByPartnerAndTypes(context.Background(), "p-verify", []string{domain.EventTaskCompleted})
	bypassed := 0
	for _, e := range entries {
		if e.Metadata[domain.MetaAdminBypass] == "true" {
			if e.XPValue != 0 {
				t.Fatalf("bypass entry must not carry XP: %+v", e)
			}
			bypassed++
		}
	}
	if bypassed != 7 {
		t.Fatalf("bypass entries in ledger = %d, want 7", bypassed)
	}
}

func TestBypassToVerifiedIsIdempotentNoOp(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-bypass")
	first, err := svc.BypassToVerified(context.Background(), adminActor("idem-bypass-1"), "p-bypass")
	if err != nil {
		t.Fatalf("bypass: %v", err)
	}
	if first.NewRank != "Verified" || first.XP != 7000 {
		t.Fatalf("unexpected bypass result: %+v", first)
	}
	entriesBefore, _ := repos.Ledger.ListByPartnerAndTypes(context.Background(), "p-bypass", nil)

	again, err := svc.BypassToVerified(context.Background(), adminActor("idem-bypass-2"), "p-bypass")
	if err != nil {
		t.Fatalf("second bypass: %v", err)
	}
	if again.OldRank != "Verified" || again.NewRank != "Verified" {
		t.Fatalf("second bypass should acknowledge current state: %+v", again)
	}
	entriesAfter, _ := repos.Ledger.ListByPartnerAndTypes(context.Background(), "p-bypass", nil)
	if len(entriesAfter) != len(entriesBefore) {
		t.Fatalf("second bypass wrote %d new entries", len(entriesAfter)-len(entriesBefore))
	}
}

func TestLedgerSumMatchesCurrentXP(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-sum")
	grant(t, svc, "p-sum", 700, "idem-sum-1")
	if _, err := svc.SetRank(context.Background(), adminActor("idem-sum-2"), "p-sum", "Agent"); err != nil {
		t.Fatalf("set rank: %v", err)
	}
	if _, err := svc.Demote(context.Background(), adminActor("idem-sum-3"), "p-sum"); err != nil {
		t.Fatalf("demote: %v", err)
	}
	grant(t, svc, "p-sum", 40, "idem-sum-4")

	p, _ := repos.Partners.GetByID(context.Background(), "p-sum")
	sum, _ := repos.Ledger.SumXPByPartner(context.Background(), "p-sum")
	if sum != p.CurrentXP {
		t.Fatalf("ledger sum %d != partner xp %d", sum, p.CurrentXP)
	}
}

func TestLoginDayCreditsOncePerDate(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-login")
	first, err := svc.RecordLoginDay(context.Background(), adminActor(""), application.LoginDayInput{PartnerID: "p-login", Date: "2026-04-01"})
	if err != nil {
		t.Fatalf("login day: %v", err)
	}
	if first.Deduped || first.NewTotal != 25 {
		t.Fatalf("first login should credit: %+v", first)
	}
	second, err := svc.RecordLoginDay(context.Background(), adminActor(""), application.LoginDayInput{PartnerID: "p-login", Date: "2026-04-01"})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if !second.Deduped || second.NewTotal != 25 {
		t.Fatalf("second login must dedupe: %+v", second)
	}
	sum, _ := repos.Ledger.SumXPByPartner(context.Background(), "p-login")
	if sum != 25 {
		t.Fatalf("ledger sum = %d, want 25", sum)
	}

	next, err := svc.RecordLoginDay(context.Background(), adminActor(""), application.LoginDayInput{PartnerID: "p-login", Date: "2026-04-02"})
	if err != nil {
		t.Fatalf("next day login: %v", err)
	}
	if next.Deduped || next.NewTotal != 50 {
		t.Fatalf("new date should credit again: %+v", next)
	}
}

func TestCompleteDailyTaskDedupesPerSlotAndDate(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-daily")
	assignment, err := svc.GetDailyTasks(context.Background(), "2026-04-03", "Recruit")
	if err != nil {
		t.Fatalf("daily tasks: %v", err)
	}

	first, err := svc.CompleteDailyTask(context.Background(), adminActor(""), application.CompleteDailyTaskInput{
		PartnerID: "p-daily", Date: "2026-04-03", TaskID: assignment.Slot1.TaskID,
	})
	if err != nil {
		t.Fatalf("complete daily: %v", err)
	}
	if first.Deduped || first.NewTotal != assignment.Slot1.XPReward {
		t.Fatalf("first completion should credit the slot reward: %+v", first)
	}

	repeat, err := svc.CompleteDailyTask(context.Background(), adminActor(""), application.CompleteDailyTaskInput{
		PartnerID: "p-daily", Date: "2026-04-03", TaskID: assignment.Slot1.TaskID,
	})
	if err != nil {
		t.Fatalf("repeat completion: %v", err)
	}
	if !repeat.Deduped {
		t.Fatalf("repeat completion must dedupe: %+v", repeat)
	}
	sum, _ := repos.Ledger.SumXPByPartner(context.Background(), "p-daily")
	if sum != assignment.Slot1.XPReward {
		t.Fatalf("ledger sum = %d, want %d", sum, assignment.Slot1.XPReward)
	}

	_, err = svc.CompleteDailyTask(context.Background(), adminActor(""), application.CompleteDailyTaskInput{
		PartnerID: "p-daily", Date: "2026-04-03", TaskID: "not-assigned-today",
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unassigned task, got %v", err)
	}
}

func TestBatchGrantIsolatesFailures(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-batch-1")
	enroll(t, svc, "p-batch-2")
	results, err := svc.BatchGrantXp(context.Background(), adminActor("idem-batch-1"), application.BatchGrantXPInput{
		PartnerIDs: []string{"p-batch-1", "p-ghost", "p-batch-2"}, Amount: 60, Description: "campaign bonus",
	})
	if err != nil {
		t.Fatalf("batch grant: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Error != "" || results[2].Error != "" {
		t.Fatalf("healthy partners failed: %+v", results)
	}
	if results[1].Error == "" {
		t.Fatal("unknown partner should fail in isolation")
	}
	for _, id := range []string{"p-batch-1", "p-batch-2"} {
		p, _ := repos.Partners.GetByID(context.Background(), id)
		if p.CurrentXP != 60 {
			t.Fatalf("%s xp = %d, want 60", id, p.CurrentXP)
		}
	}
}

func TestBatchGrantRequiresIdempotencyKey(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-batch-key")
	_, err := svc.BatchGrantXp(context.Background(), adminActor(""), application.BatchGrantXPInput{
		PartnerIDs: []string{"p-batch-key"}, Amount: 50,
	})
	if !errors.Is(err, domain.ErrIdempotencyRequired) {
		t.Fatalf("expected ErrIdempotencyRequired, got %v", err)
	}
}

func TestBatchGrantReplaysWithoutDoubleCredit(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-batch-replay")
	input := application.BatchGrantXPInput{PartnerIDs: []string{"p-batch-replay"}, Amount: 100, Description: "campaign bonus"}

	first, err := svc.BatchGrantXp(context.Background(), adminActor("idem-batch-replay-1"), input)
	if err != nil {
		t.Fatalf("batch grant: %v", err)
	}
	second, err := svc.BatchGrantXp(context.Background(), adminActor("idem-batch-replay-1"), input)
	if err != nil {
		t.Fatalf("retried batch grant: %v", err)
	}
	if len(second) != 1 || second[0].NewTotal != first[0].NewTotal || second[0].NewTotal != 100 {
		t.Fatalf("replay changed results: %+v vs %+v", first, second)
	}
	sum, _ := repos.Ledger.SumXPByPartner(context.Background(), "p-batch-replay")
	if sum != 100 {
		t.Fatalf("retried batch double-credited: ledger sum = %d, want 100", sum)
	}

	_, err = svc.BatchGrantXp(context.Background(), adminActor("idem-batch-replay-1"), application.BatchGrantXPInput{
		PartnerIDs: []string{"p-batch-replay"}, Amount: 200,
	})
	if !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict for reused key with new payload, got %v", err)
	}
}

func TestOutboxFlushPublishesCanonicalEvents(t *testing.T) {
	svc, _, pub := newService()
	enroll(t, svc, "p-outbox")
	grant(t, svc, "p-outbox", 500, "idem-outbox-1")
	if err := svc.FlushOutbox(context.Background()); err != nil {
		t.Fatalf("flush outbox: %v", err)
	}
	var sawEnrolled, sawGranted, sawRankChanged bool
	for _, e := range pub.Events {
		if e.PartitionKeyPath != "data.partner_id" || e.PartitionKey != "p-outbox" {
			t.Fatalf("partition key invariant violated: %+v", e)
		}
		if e.SchemaVersion != "v1" || e.EventID == "" || e.TraceID == "" {
			t.Fatalf("incomplete envelope: %+v", e)
		}
		switch e.EventType {
		case "partner.enrolled":
			sawEnrolled = true
		case "partner.xp.granted":
			sawGranted = true
		case "partner.rank.changed":
			sawRankChanged = true
		}
	}
	if !sawEnrolled || !sawGranted || !sawRankChanged {
		t.Fatalf("missing events: enrolled=%v granted=%v rank=%v", sawEnrolled, sawGranted, sawRankChanged)
	}
}

func TestCommissionOverridePrecedence(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-override")
	grant(t, svc, "p-override", 2100, "idem-override-1")

	rate := 33.5
	if _, err := svc.SetCommissionOverride(context.Background(), adminActor("idem-prec-1"), "p-override", &rate); err != nil {
		t.Fatalf("set override: %v", err)
	}
	preview, err := svc.CommissionPreview(context.Background(), adminActor(""), "p-override", 200)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.EffectiveRate != 33.5 || preview.CommissionAmount != 67 {
		t.Fatalf("override not applied: %+v", preview)
	}
	if preview.SubscriptionStatus != "active" {
		t.Fatalf("subscription standing = %q, want active", preview.SubscriptionStatus)
	}

	if _, err := svc.SetCommissionOverride(context.Background(), adminActor("idem-prec-2"), "p-override", nil); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	preview, err = svc.CommissionPreview(context.Background(), adminActor(""), "p-override", 200)
	if err != nil {
		t.Fatalf("preview after clear: %v", err)
	}
	if preview.EffectiveRate != 30 {
		t.Fatalf("rate after clearing override = %v, want Agent's 30", preview.EffectiveRate)
	}

	bad := 140.0
	if _, err := svc.SetCommissionOverride(context.Background(), adminActor("idem-prec-3"), "p-override", &bad); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for out-of-range override, got %v", err)
	}
}

func TestCommissionOverrideIdempotency(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-ovr-idem")

	rate := 22.0
	if _, err := svc.SetCommissionOverride(context.Background(), adminActor(""), "p-ovr-idem", &rate); !errors.Is(err, domain.ErrIdempotencyRequired) {
		t.Fatalf("expected ErrIdempotencyRequired, got %v", err)
	}

	first, err := svc.SetCommissionOverride(context.Background(), adminActor("idem-ovr-1"), "p-ovr-idem", &rate)
	if err != nil {
		t.Fatalf("set override: %v", err)
	}
	second, err := svc.SetCommissionOverride(context.Background(), adminActor("idem-ovr-1"), "p-ovr-idem", &rate)
	if err != nil {
		t.Fatalf("retried override: %v", err)
	}
	if second.CommissionRate != first.CommissionRate || second.CommissionRate != 22 {
		t.Fatalf("replay changed partner: %+v vs %+v", first, second)
	}
	entries, _ := repos.Ledger.ListByPartnerAndTypes(context.Background(), "p-ovr-idem", []string{domain.EventCommissionOverride})
	if len(entries) != 1 {
		t.Fatalf("retried override wrote %d audit entries, want 1", len(entries))
	}

	other := 44.0
	if _, err := svc.SetCommissionOverride(context.Background(), adminActor("idem-ovr-1"), "p-ovr-idem", &other); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict for reused key with new rate, got %v", err)
	}
}

func TestPartnerRoleCannotTouchOthers(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-owner")
	stranger := application.Actor{SubjectID: "p-other", Role: application.RolePartner, IdempotencyKey: "idem-stranger-1"}
	_, err := svc.GrantXp(context.Background(), stranger, application.GrantXPInput{
		PartnerID: "p-owner", Amount: 10, EventType: domain.EventXPGrant,
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Advance(context.Background(), stranger, "p-owner"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("partner role must not force transitions, got %v", err)
	}
	if _, err := svc.GetProgress(context.Background(), stranger, "p-owner"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("partner role must not read other progress, got %v", err)
	}
}

func TestConcurrentGrantsDoNotLoseUpdates(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-race")
	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := svc.GrantXp(context.Background(), adminActor(fmt.Sprintf("idem-race-%d", i)), application.GrantXPInput{
				PartnerID: "p-race", Amount: 10, EventType: domain.EventXPGrant,
			})
			if err != nil {
				t.Errorf("concurrent grant %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	p, _ := repos.Partners.GetByID(context.Background(), "p-race")
	if p.CurrentXP != workers*10 {
		t.Fatalf("lost updates: xp = %d, want %d", p.CurrentXP, workers*10)
	}
	sum, _ := repos.Ledger.SumXPByPartner(context.Background(), "p-race")
	if sum != p.CurrentXP {
		t.Fatalf("ledger sum %d != xp %d", sum, p.CurrentXP)
	}
}

func lessonEnvelope(eventID, partnerID, lessonID string, xp int, quiz bool) contracts.EventEnvelope {
	data, _ := json.Marshal(contracts.LessonCompletedPayload{PartnerID: partnerID, LessonID: lessonID, XPReward: xp, Quiz: quiz})
	return contracts.EventEnvelope{
		EventID:          eventID,
		EventType:        "lms.lesson.completed",
		EventClass:       "domain",
		OccurredAt:       time.Now().UTC(),
		PartitionKeyPath: "data.partner_id",
		PartitionKey:     partnerID,
		SourceService:    "M20-LMS",
		TraceID:          "trace-" + eventID,
		SchemaVersion:    "v1",
		Data:             data,
	}
}

func TestHandleLessonCompletedCreditsOnce(t *testing.T) {
	svc, repos, _ := newService()
	enroll(t, svc, "p-lesson")

	env := lessonEnvelope("evt-1", "p-lesson", "lesson-cold-outreach", 80, false)
	if err := svc.HandleCanonicalEvent(context.Background(), env); err != nil {
		t.Fatalf("handle lesson: %v", err)
	}
	// Same event id redelivered.
	if err := svc.HandleCanonicalEvent(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	// New event id, same lesson.
	if err := svc.HandleCanonicalEvent(context.Background(), lessonEnvelope("evt-2", "p-lesson", "lesson-cold-outreach", 80, false)); err != nil {
		t.Fatalf("same lesson new event: %v", err)
	}
	sum, _ := repos.Ledger.SumXPByPartner(context.Background(), "p-lesson")
	if sum != 80 {
		t.Fatalf("lesson credited more than once: sum = %d", sum)
	}

	quizEnv := lessonEnvelope("evt-3", "p-lesson", "quiz-foundations", 0, true)
	if err := svc.HandleCanonicalEvent(context.Background(), quizEnv); err != nil {
		t.Fatalf("handle quiz: %v", err)
	}
	entries, _ := repos.Ledger.ListByPartnerAndTypes(context.Background(), "p-lesson", []string{domain.EventQuizCompleted})
	if len(entries) != 1 {
		t.Fatalf("quiz entries = %d, want 1", len(entries))
	}
	if entries[0].XPValue != 50 {
		t.Fatalf("quiz with no reward should fall back to the default, got %d", entries[0].XPValue)
	}
}

func TestHandleCanonicalEventRejectsBadEnvelopes(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-envelope")

	bad := lessonEnvelope("evt-bad", "p-envelope", "lesson-x", 10, false)
	bad.TraceID = ""
	if err := svc.HandleCanonicalEvent(context.Background(), bad); !errors.Is(err, domain.ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}

	unknown := lessonEnvelope("evt-unknown", "p-envelope", "lesson-x", 10, false)
	unknown.EventType = "billing.invoice.created"
	if err := svc.HandleCanonicalEvent(context.Background(), unknown); !errors.Is(err, domain.ErrUnsupportedEventType) {
		t.Fatalf("expected ErrUnsupportedEventType, got %v", err)
	}
}

func TestProgressListsOutstandingTasks(t *testing.T) {
	svc, _, _ := newService()
	enroll(t, svc, "p-tasks")
	grant(t, svc, "p-tasks", 500, "idem-tasks-1")

	progress, err := svc.GetProgress(context.Background(), adminActor(""), "p-tasks")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(progress.OutstandingTasks) != 2 {
		t.Fatalf("Initiate should have 2 outstanding tasks, got %v", progress.OutstandingTasks)
	}
	if progress.NextRank != "Apprentice" || progress.NextRankThreshold != 1000 {
		t.Fatalf("unexpected next rank info: %+v", progress)
	}

	_, err = svc.GrantXp(context.Background(), adminActor("idem-tasks-2"), application.GrantXPInput{
		PartnerID: "p-tasks", Amount: 30, EventType: domain.EventTaskCompleted,
		Metadata: map[string]string{domain.MetaLessonID: "lesson-orientation"},
	})
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	progress, err = svc.GetProgress(context.Background(), adminActor(""), "p-tasks")
	if err != nil {
		t.Fatalf("progress after completion: %v", err)
	}
	if len(progress.OutstandingTasks) != 1 || progress.OutstandingTasks[0] != "lesson-brand-basics" {
		t.Fatalf("outstanding diff wrong: %v", progress.OutstandingTasks)
	}
}
