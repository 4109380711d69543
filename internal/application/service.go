package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/partnerdesk/progression-engine/internal/contracts"
	"github.com/partnerdesk/progression-engine/internal/domain"
)

func (s *Service) EnrollPartner(ctx context.Context, actor Actor, input EnrollPartnerInput) (domain.Partner, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.Partner{}, domain.ErrUnauthorized
	}
	partnerID := strings.TrimSpace(input.PartnerID)
	if !actorIsStaff(actor) && actor.SubjectID != partnerID {
		return domain.Partner{}, domain.ErrForbidden
	}
	if partnerID == "" {
		return domain.Partner{}, domain.ErrInvalidInput
	}
	if s.directory != nil {
		identity, err := s.directory.GetPartnerIdentity(ctx, partnerID)
		if err != nil {
			return domain.Partner{}, fmt.Errorf("directory lookup: %w", err)
		}
		if !identity.Active {
			return domain.Partner{}, domain.ErrForbidden
		}
		if input.DisplayName == "" {
			input.DisplayName = identity.DisplayName
		}
	}
	now := s.nowFn()
	floor := s.ladder.Floor()
	partner := domain.Partner{
		PartnerID:      partnerID,
		DisplayName:    strings.TrimSpace(input.DisplayName),
		CurrentXP:      0,
		CurrentRank:    floor.Name,
		HighestRank:    floor.Name,
		CommissionRate: floor.CommissionRate,
		EnrolledAt:     now,
		UpdatedAt:      now,
	}
	if err := s.partners.Create(ctx, partner); err != nil {
		return domain.Partner{}, err
	}
	entry := domain.ActivityLogEntry{
		EntryID:     uuid.NewString(),
		PartnerID:   partnerID,
		EventType:   domain.EventEnrolled,
		XPValue:     0,
		Description: "partner enrolled at " + floor.Name,
		CreatedAt:   now,
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return domain.Partner{}, err
	}
	if err := s.enqueuePartnerEnrolled(ctx, partner, actor.RequestID, now); err != nil {
		return domain.Partner{}, err
	}
	return partner, nil
}

// GrantXp is the only sanctioned way to raise a partner's XP: one ledger entry
// plus the denormalized total, committed under the partner lock, with natural
// promotion applied in the same commit.
func (s *Service) GrantXp(ctx context.Context, actor Actor, input GrantXPInput) (GrantXPOutput, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return GrantXPOutput{}, domain.ErrUnauthorized
	}
	if !actorIsStaff(actor) && actor.SubjectID != input.PartnerID {
		return GrantXPOutput{}, domain.ErrForbidden
	}
	if err := domain.ValidateGrantInput(input.PartnerID, input.Amount, input.EventType); err != nil {
		return GrantXPOutput{}, err
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return GrantXPOutput{}, domain.ErrIdempotencyRequired
	}
	requestHash := hashPayload(struct {
		Op string
		In GrantXPInput
	}{"grant_xp", input})
	var out GrantXPOutput
	if hit, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &out); hit || err != nil {
		return out, err
	}
	out, err := s.performGrant(ctx, input.PartnerID, input.Amount, input.EventType, input.Description, input.Metadata, nil, actor.RequestID)
	if err != nil {
		return GrantXPOutput{}, err
	}
	return out, s.finishIdempotent(ctx, actor.IdempotencyKey, out)
}

// BatchGrantXp grants the same amount to many partners. Partners are locked
// one at a time; there is no ordering or atomicity across partners, and one
// partner's failure never touches another's state. Retrying with the same
// idempotency key replays the stored result set without re-crediting anyone.
func (s *Service) BatchGrantXp(ctx context.Context, actor Actor, input BatchGrantXPInput) ([]BatchGrantXPResult, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if input.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if len(input.PartnerIDs) == 0 {
		return nil, domain.ErrInvalidInput
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return nil, domain.ErrIdempotencyRequired
	}
	requestHash := hashPayload(struct {
		Op string
		In BatchGrantXPInput
	}{"batch_grant_xp", input})
	var results []BatchGrantXPResult
	if hit, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &results); hit || err != nil {
		return results, err
	}
	results = make([]BatchGrantXPResult, 0, len(input.PartnerIDs))
	for _, partnerID := range input.PartnerIDs {
		out, err := s.performGrant(ctx, partnerID, input.Amount, domain.EventAdminGrant, input.Description, map[string]string{
			domain.MetaGrantedBy: actor.SubjectID,
		}, nil, actor.RequestID)
		if err != nil {
			results = append(results, BatchGrantXPResult{PartnerID: partnerID, Error: err.Error()})
			continue
		}
		results = append(results, BatchGrantXPResult{PartnerID: partnerID, NewTotal: out.NewTotal, Rank: out.Rank})
	}
	return results, s.finishIdempotent(ctx, actor.IdempotencyKey, results)
}

func (s *Service) Advance(ctx context.Context, actor Actor, partnerID string) (RankChangeOutput, error) {
	return s.adminTransition(ctx, actor, partnerID, "advance:"+partnerID, func(p domain.Partner) (domain.Rank, forcedOptions, error) {
		next, ok := s.ladder.Next(p.CurrentRank)
		if !ok {
			return domain.Rank{}, forcedOptions{}, domain.ErrAlreadyMaxRank
		}
		return next, forcedOptions{autoComplete: true, topUp: true, raiseHighest: true, trigger: triggerAdminAdvance, adminID: actor.SubjectID}, nil
	})
}

// Demote drops the partner one rank without touching XP or highest rank. The
// partner's stored rank then sits below what the resolver would assign from
// XP alone; that gap closes only when a later grant crosses the next
// threshold again.
func (s *Service) Demote(ctx context.Context, actor Actor, partnerID string) (RankChangeOutput, error) {
	return s.adminTransition(ctx, actor, partnerID, "demote:"+partnerID, func(p domain.Partner) (domain.Rank, forcedOptions, error) {
		prev, ok := s.ladder.Previous(p.CurrentRank)
		if !ok {
			return domain.Rank{}, forcedOptions{}, domain.ErrAlreadyMinRank
		}
		return prev, forcedOptions{trigger: triggerAdminDemotion, adminID: actor.SubjectID}, nil
	})
}

func (s *Service) SetRank(ctx context.Context, actor Actor, partnerID, targetRank string) (RankChangeOutput, error) {
	target, ok := s.ladder.Get(targetRank)
	if !ok {
		return RankChangeOutput{}, domain.ErrUnknownRank
	}
	return s.adminTransition(ctx, actor, partnerID, "set_rank:"+partnerID+":"+target.Name, func(p domain.Partner) (domain.Rank, forcedOptions, error) {
		if p.CurrentRank == target.Name {
			return domain.Rank{}, forcedOptions{}, domain.ErrSameRank
		}
		return target, forcedOptions{autoComplete: true, topUp: true, raiseHighest: true, trigger: triggerSetRank, adminID: actor.SubjectID}, nil
	})
}

// BypassToVerified is SetRank composed with the ladder's Verified rank.
// Calling it for an already-Verified partner is an acknowledged no-op.
func (s *Service) BypassToVerified(ctx context.Context, actor Actor, partnerID string) (RankChangeOutput, error) {
	verified, ok := s.ladder.VerifiedRank()
	if !ok {
		return RankChangeOutput{}, domain.ErrUnknownRank
	}
	out, err := s.adminTransition(ctx, actor, partnerID, "bypass_verified:"+partnerID, func(p domain.Partner) (domain.Rank, forcedOptions, error) {
		if p.CurrentRank == verified.Name {
			return domain.Rank{}, forcedOptions{}, domain.ErrSameRank
		}
		return verified, forcedOptions{autoComplete: true, topUp: true, raiseHighest: true, trigger: triggerBypassVerified, adminID: actor.SubjectID}, nil
	})
	if err == domain.ErrSameRank {
		p, getErr := s.partners.GetByID(ctx, partnerID)
		if getErr != nil {
			return RankChangeOutput{}, getErr
		}
		return RankChangeOutput{PartnerID: partnerID, OldRank: p.CurrentRank, NewRank: p.CurrentRank, XP: p.CurrentXP, CommissionRate: p.CommissionRate}, nil
	}
	return out, err
}

func (s *Service) SetCommissionOverride(ctx context.Context, actor Actor, partnerID string, rate *float64) (domain.Partner, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Partner{}, err
	}
	if rate != nil && (*rate < 0 || *rate > 100) {
		return domain.Partner{}, domain.ErrInvalidInput
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return domain.Partner{}, domain.ErrIdempotencyRequired
	}
	requestHash := hashPayload(struct {
		Op        string
		PartnerID string
		Rate      *float64
	}{"commission_override", partnerID, rate})
	var updated domain.Partner
	if hit, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &updated); hit || err != nil {
		return updated, err
	}
	err := s.partners.WithPartnerLock(ctx, partnerID, func(ctx context.Context) error {
		p, err := s.partners.GetByID(ctx, partnerID)
		if err != nil {
			return err
		}
		now := s.nowFn()
		oldRate := p.CommissionRate
		p.CommissionRateOverride = rate
		rank, _ := s.ladder.Get(p.CurrentRank)
		p.CommissionRate = p.EffectiveCommissionRate(rank)
		p.UpdatedAt = now
		entry := domain.ActivityLogEntry{
			EntryID:     uuid.NewString(),
			PartnerID:   partnerID,
			EventType:   domain.EventCommissionOverride,
			XPValue:     0,
			Description: "commission override changed",
			Metadata: map[string]string{
				domain.MetaGrantedBy: actor.SubjectID,
				"old_rate":           fmt.Sprintf("%.2f", oldRate),
				"new_rate":           fmt.Sprintf("%.2f", p.CommissionRate),
			},
			CreatedAt: now,
		}
		if err := s.commitPartner(ctx, p, []domain.ActivityLogEntry{entry}); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return domain.Partner{}, err
	}
	return updated, s.finishIdempotent(ctx, actor.IdempotencyKey, updated)
}

func (s *Service) GetProgress(ctx context.Context, actor Actor, partnerID string) (contracts.ProgressSnapshot, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return contracts.ProgressSnapshot{}, domain.ErrUnauthorized
	}
	if !actorIsStaff(actor) && actor.SubjectID != partnerID {
		return contracts.ProgressSnapshot{}, domain.ErrForbidden
	}
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, partnerID); err == nil && cached != nil {
			return *cached, nil
		}
	}
	p, err := s.partners.GetByID(ctx, partnerID)
	if err != nil {
		return contracts.ProgressSnapshot{}, err
	}
	rank, ok := s.ladder.Get(p.CurrentRank)
	if !ok {
		rank = s.ladder.Resolve(p.CurrentXP)
	}
	outstanding, err := s.outstandingTasks(ctx, partnerID, rank)
	if err != nil {
		return contracts.ProgressSnapshot{}, err
	}
	snapshot := contracts.ProgressSnapshot{
		PartnerID:               p.PartnerID,
		XP:                      p.CurrentXP,
		Rank:                    p.CurrentRank,
		HighestRank:             p.HighestRank,
		OutstandingTasks:        outstanding,
		EffectiveCommissionRate: p.EffectiveCommissionRate(rank),
	}
	if next, ok := s.ladder.Next(p.CurrentRank); ok {
		snapshot.NextRank = next.Name
		snapshot.NextRankThreshold = next.XPThreshold
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, partnerID, snapshot, s.cfg.ProgressCacheTTL); err != nil {
			s.logger.WarnContext(ctx, "progress cache put failed", "partner_id", partnerID, "error", err)
		}
	}
	return snapshot, nil
}

func (s *Service) GetDailyTasks(ctx context.Context, date, rankName string) (domain.DailyTaskAssignment, error) {
	day, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return domain.DailyTaskAssignment{}, domain.ErrInvalidInput
	}
	_ = ctx
	return domain.SelectDailyTasks(day, strings.TrimSpace(rankName), s.ladder, s.pool)
}

// CompleteDailyTask credits a daily slot as an ordinary task completion.
// Re-submitting the same slot on the same date is acknowledged without a
// second credit.
func (s *Service) CompleteDailyTask(ctx context.Context, actor Actor, input CompleteDailyTaskInput) (GrantXPOutput, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return GrantXPOutput{}, domain.ErrUnauthorized
	}
	if !actorIsStaff(actor) && actor.SubjectID != input.PartnerID {
		return GrantXPOutput{}, domain.ErrForbidden
	}
	day, err := time.Parse("2006-01-02", strings.TrimSpace(input.Date))
	if err != nil {
		return GrantXPOutput{}, domain.ErrInvalidInput
	}
	p, err := s.partners.GetByID(ctx, input.PartnerID)
	if err != nil {
		return GrantXPOutput{}, err
	}
	assignment, err := domain.SelectDailyTasks(day, p.CurrentRank, s.ladder, s.pool)
	if err != nil {
		return GrantXPOutput{}, err
	}
	var task domain.DailyTask
	switch {
	case assignment.Slot1.TaskID == input.TaskID:
		task = assignment.Slot1
	case assignment.Slot2 != nil && assignment.Slot2.TaskID == input.TaskID:
		task = *assignment.Slot2
	default:
		return GrantXPOutput{}, domain.ErrInvalidInput
	}
	dedupValue := task.TaskID + "@" + assignment.Date
	return s.performGrant(ctx, input.PartnerID, task.XPReward, domain.EventTaskCompleted, "daily task: "+task.Title, map[string]string{
		domain.MetaLessonID:      task.TaskID,
		domain.MetaDailyTaskDate: assignment.Date,
		domain.MetaDedupKey:      dedupValue,
	}, &dedupSpec{eventTypes: []string{domain.EventTaskCompleted}, key: domain.MetaDedupKey, value: dedupValue}, actor.RequestID)
}

// RecordLoginDay credits the first login of a calendar date; later logins on
// the same date are acknowledged without a ledger write.
func (s *Service) RecordLoginDay(ctx context.Context, actor Actor, input LoginDayInput) (GrantXPOutput, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return GrantXPOutput{}, domain.ErrUnauthorized
	}
	if !actorIsStaff(actor) && actor.SubjectID != input.PartnerID {
		return GrantXPOutput{}, domain.ErrForbidden
	}
	day, err := time.Parse("2006-01-02", strings.TrimSpace(input.Date))
	if err != nil {
		return GrantXPOutput{}, domain.ErrInvalidInput
	}
	date := day.UTC().Format("2006-01-02")
	return s.performGrant(ctx, input.PartnerID, s.cfg.LoginDayXP, domain.EventLoginDay, "daily login", map[string]string{
		domain.MetaLoginDate: date,
		domain.MetaDedupKey:  "login@" + date,
	}, &dedupSpec{eventTypes: []string{domain.EventLoginDay}, key: domain.MetaLoginDate, value: date}, actor.RequestID)
}

func (s *Service) ListLedger(ctx context.Context, actor Actor, partnerID string, eventTypes []string) ([]domain.ActivityLogEntry, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return nil, domain.ErrUnauthorized
	}
	if !actorIsStaff(actor) && actor.SubjectID != partnerID {
		return nil, domain.ErrForbidden
	}
	if _, err := s.partners.GetByID(ctx, partnerID); err != nil {
		return nil, err
	}
	return s.ledger.ListByPartnerAndTypes(ctx, partnerID, eventTypes)
}

func (s *Service) CommissionPreview(ctx context.Context, actor Actor, partnerID string, amount float64) (contracts.CommissionPreviewResponse, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return contracts.CommissionPreviewResponse{}, domain.ErrUnauthorized
	}
	if !actorIsStaff(actor) && actor.SubjectID != partnerID {
		return contracts.CommissionPreviewResponse{}, domain.ErrForbidden
	}
	if amount <= 0 {
		return contracts.CommissionPreviewResponse{}, domain.ErrInvalidInput
	}
	p, err := s.partners.GetByID(ctx, partnerID)
	if err != nil {
		return contracts.CommissionPreviewResponse{}, err
	}
	rank, ok := s.ladder.Get(p.CurrentRank)
	if !ok {
		rank = s.ladder.Resolve(p.CurrentXP)
	}
	rate := p.EffectiveCommissionRate(rank)
	standing := "unknown"
	if s.payments != nil {
		sub, err := s.payments.GetSubscriptionStanding(ctx, partnerID)
		if err != nil {
			return contracts.CommissionPreviewResponse{}, fmt.Errorf("payment gateway lookup: %w", err)
		}
		standing = sub.Status
	}
	return contracts.CommissionPreviewResponse{
		PartnerID:          partnerID,
		Amount:             amount,
		EffectiveRate:      rate,
		CommissionAmount:   domain.RoundCurrency(amount*rate/100, 2),
		SubscriptionStatus: standing,
	}, nil
}

const (
	triggerXPThreshold    = "xp_threshold"
	triggerAdminAdvance   = "admin_advance"
	triggerAdminDemotion  = "admin_demotion"
	triggerSetRank        = "set_rank"
	triggerBypassVerified = "bypass_verified"
)

type forcedOptions struct {
	autoComplete bool
	topUp        bool
	raiseHighest bool
	trigger      string
	adminID      string
}

type dedupSpec struct {
	eventTypes []string
	key        string
	value      string
}

// adminTransition runs one forced rank change end to end: idempotency replay,
// partner lock, target resolution, staging, single commit, event emission.
func (s *Service) adminTransition(ctx context.Context, actor Actor, partnerID, opKey string, resolve func(domain.Partner) (domain.Rank, forcedOptions, error)) (RankChangeOutput, error) {
	if err := requireStaff(actor); err != nil {
		return RankChangeOutput{}, err
	}
	if strings.TrimSpace(partnerID) == "" {
		return RankChangeOutput{}, domain.ErrInvalidInput
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return RankChangeOutput{}, domain.ErrIdempotencyRequired
	}
	requestHash := hashPayload(opKey)
	var out RankChangeOutput
	if hit, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &out); hit || err != nil {
		return out, err
	}
	err := s.partners.WithPartnerLock(ctx, partnerID, func(ctx context.Context) error {
		p, err := s.partners.GetByID(ctx, partnerID)
		if err != nil {
			return err
		}
		target, opts, err := resolve(p)
		if err != nil {
			return err
		}
		now := s.nowFn()
		result, entries, err := s.stageForcedTransition(ctx, &p, target, opts, now)
		if err != nil {
			return err
		}
		if err := s.commitPartner(ctx, p, entries); err != nil {
			return err
		}
		if err := s.enqueuePartnerRankChanged(ctx, p, result.OldRank, result.NewRank, opts.trigger, actor.RequestID, now); err != nil {
			return err
		}
		if result.XPToppedUp > 0 {
			if err := s.enqueuePartnerXPGranted(ctx, p, domain.EventAdminGrant, result.XPToppedUp, actor.RequestID, now); err != nil {
				return err
			}
		}
		s.notifyRankChange(ctx, p, result.OldRank, result.NewRank, opts.trigger)
		out = result
		return nil
	})
	if err != nil {
		return RankChangeOutput{}, err
	}
	return out, s.finishIdempotent(ctx, actor.IdempotencyKey, out)
}

// stageForcedTransition computes every write for a forced transition without
// touching persistence, so validation failures abort before the first write.
func (s *Service) stageForcedTransition(ctx context.Context, p *domain.Partner, target domain.Rank, opts forcedOptions, now time.Time) (RankChangeOutput, []domain.ActivityLogEntry, error) {
	oldRank := p.CurrentRank
	var entries []domain.ActivityLogEntry

	bypassed := 0
	if opts.autoComplete {
		outstanding, err := s.outstandingTasks(ctx, p.PartnerID, target)
		if err != nil {
			return RankChangeOutput{}, nil, err
		}
		for _, taskID := range outstanding {
			entries = append(entries, domain.ActivityLogEntry{
				EntryID:     uuid.NewString(),
				PartnerID:   p.PartnerID,
				EventType:   domain.EventTaskCompleted,
				XPValue:     0,
				Description: "required task auto-completed for " + target.Name,
				Metadata: map[string]string{
					domain.MetaLessonID:    taskID,
					domain.MetaAdminBypass: "true",
					domain.MetaBypassedBy:  opts.adminID,
				},
				CreatedAt: now,
			})
		}
		bypassed = len(entries)
	}

	toppedUp := 0
	if opts.topUp && p.CurrentXP < target.XPThreshold {
		toppedUp = target.XPThreshold - p.CurrentXP
		entries = append(entries, domain.ActivityLogEntry{
			EntryID:     uuid.NewString(),
			PartnerID:   p.PartnerID,
			EventType:   domain.EventAdminGrant,
			XPValue:     toppedUp,
			Description: "XP top-up to " + target.Name,
			Metadata: map[string]string{
				domain.MetaRankTopUp: "true",
				domain.MetaGrantedBy: opts.adminID,
			},
			CreatedAt: now,
		})
		p.CurrentXP += toppedUp
	}

	rankMeta := map[string]string{
		domain.MetaOldRank: oldRank,
		domain.MetaNewRank: target.Name,
		domain.MetaTrigger: opts.trigger,
	}
	switch opts.trigger {
	case triggerAdminDemotion:
		rankMeta[domain.MetaAdminDemotion] = "true"
	case triggerSetRank, triggerBypassVerified:
		rankMeta[domain.MetaSetRank] = "true"
		rankMeta[domain.MetaAdminBypass] = "true"
	default:
		rankMeta[domain.MetaAdminBypass] = "true"
	}
	if opts.adminID != "" {
		rankMeta[domain.MetaBypassedBy] = opts.adminID
	}
	entries = append(entries, domain.ActivityLogEntry{
		EntryID:     uuid.NewString(),
		PartnerID:   p.PartnerID,
		EventType:   domain.EventRankUp,
		XPValue:     0,
		Description: oldRank + " -> " + target.Name,
		Metadata:    rankMeta,
		CreatedAt:   now,
	})

	p.CurrentRank = target.Name
	if opts.raiseHighest && s.ladder.Compare(target.Name, p.HighestRank) > 0 {
		p.HighestRank = target.Name
	}
	p.CommissionRate = p.EffectiveCommissionRate(target)
	p.UpdatedAt = now

	return RankChangeOutput{
		PartnerID:      p.PartnerID,
		OldRank:        oldRank,
		NewRank:        target.Name,
		XP:             p.CurrentXP,
		CommissionRate: p.CommissionRate,
		TasksBypassed:  bypassed,
		XPToppedUp:     toppedUp,
	}, entries, nil
}

// performGrant runs one XP credit under the partner lock: optional dedup
// pre-check, grant entry, natural promotion, one commit, event emission.
func (s *Service) performGrant(ctx context.Context, partnerID string, amount int, eventType, description string, metadata map[string]string, dedup *dedupSpec, traceID string) (GrantXPOutput, error) {
	if err := domain.ValidateGrantInput(partnerID, amount, eventType); err != nil {
		return GrantXPOutput{}, err
	}
	var out GrantXPOutput
	err := s.partners.WithPartnerLock(ctx, partnerID, func(ctx context.Context) error {
		p, err := s.partners.GetByID(ctx, partnerID)
		if err != nil {
			return err
		}
		if dedup != nil {
			for _, et := range dedup.eventTypes {
				existing, err := s.ledger.FindByMetadata(ctx, partnerID, et, dedup.key, dedup.value)
				if err != nil {
					return err
				}
				if len(existing) > 0 {
					out = GrantXPOutput{PartnerID: partnerID, NewTotal: p.CurrentXP, Rank: p.CurrentRank, Deduped: true}
					return nil
				}
			}
		}
		now := s.nowFn()
		oldRank := p.CurrentRank
		entries, promoted := s.stageGrant(&p, amount, eventType, description, metadata, now)
		if err := s.commitPartner(ctx, p, entries); err != nil {
			return err
		}
		if err := s.enqueuePartnerXPGranted(ctx, p, eventType, amount, traceID, now); err != nil {
			return err
		}
		if eventType == domain.EventTaskCompleted || eventType == domain.EventQuizCompleted {
			if err := s.enqueuePartnerTaskCompleted(ctx, p, metadata[domain.MetaLessonID], false, traceID, now); err != nil {
				return err
			}
		}
		if promoted {
			if err := s.enqueuePartnerRankChanged(ctx, p, oldRank, p.CurrentRank, triggerXPThreshold, traceID, now); err != nil {
				return err
			}
			s.notifyRankChange(ctx, p, oldRank, p.CurrentRank, triggerXPThreshold)
		}
		out = GrantXPOutput{PartnerID: partnerID, NewTotal: p.CurrentXP, Rank: p.CurrentRank, Promoted: promoted}
		return nil
	})
	if err != nil {
		return GrantXPOutput{}, err
	}
	return out, nil
}

// stageGrant mutates the partner copy and returns the ledger entries for one
// grant. Natural promotion fires only when this grant crosses a threshold the
// old total had not reached: XP banked above a threshold before a demotion
// never re-promotes on its own, but crossing the next fresh threshold re-earns
// the resolved rank.
func (s *Service) stageGrant(p *domain.Partner, amount int, eventType, description string, metadata map[string]string, now time.Time) ([]domain.ActivityLogEntry, bool) {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	oldXP := p.CurrentXP
	p.CurrentXP += amount
	entries := []domain.ActivityLogEntry{{
		EntryID:     uuid.NewString(),
		PartnerID:   p.PartnerID,
		EventType:   eventType,
		XPValue:     amount,
		Description: description,
		Metadata:    meta,
		CreatedAt:   now,
	}}

	promoted := false
	crossed := false
	for _, r := range s.ladder.Ranks() {
		if r.XPThreshold > oldXP && r.XPThreshold <= p.CurrentXP {
			crossed = true
			break
		}
	}
	resolved := s.ladder.Resolve(p.CurrentXP)
	if crossed && s.ladder.Compare(resolved.Name, p.CurrentRank) > 0 {
		for p.CurrentRank != resolved.Name {
			next, ok := s.ladder.Next(p.CurrentRank)
			if !ok {
				break
			}
			entries = append(entries, domain.ActivityLogEntry{
				EntryID:     uuid.NewString(),
				PartnerID:   p.PartnerID,
				EventType:   domain.EventRankUp,
				XPValue:     0,
				Description: p.CurrentRank + " -> " + next.Name,
				Metadata: map[string]string{
					domain.MetaOldRank: p.CurrentRank,
					domain.MetaNewRank: next.Name,
					domain.MetaTrigger: triggerXPThreshold,
				},
				CreatedAt: now,
			})
			p.CurrentRank = next.Name
			if s.ladder.Compare(next.Name, p.HighestRank) > 0 {
				p.HighestRank = next.Name
			}
			p.CommissionRate = p.EffectiveCommissionRate(next)
			promoted = true
		}
	}
	p.UpdatedAt = now
	return entries, promoted
}

// outstandingTasks diffs a rank's required tasks against completion entries,
// preserving the rank's task order.
func (s *Service) outstandingTasks(ctx context.Context, partnerID string, rank domain.Rank) ([]string, error) {
	if len(rank.RequiredTaskIDs) == 0 {
		return []string{}, nil
	}
	completed, err := s.ledger.ListByPartnerAndTypes(ctx, partnerID, []string{domain.EventTaskCompleted, domain.EventQuizCompleted})
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{}, len(completed))
	for _, entry := range completed {
		if lessonID := entry.Metadata[domain.MetaLessonID]; lessonID != "" {
			done[lessonID] = struct{}{}
		}
	}
	outstanding := []string{}
	for _, taskID := range rank.RequiredTaskIDs {
		if _, ok := done[taskID]; !ok {
			outstanding = append(outstanding, taskID)
		}
	}
	return outstanding, nil
}

// commitPartner is the single write point for a transition: ledger entries
// first, then the partner row, then cache invalidation.
func (s *Service) commitPartner(ctx context.Context, p domain.Partner, entries []domain.ActivityLogEntry) error {
	if len(entries) > 0 {
		if err := s.ledger.AppendBatch(ctx, entries); err != nil {
			return err
		}
	}
	if err := s.partners.Update(ctx, p); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, p.PartnerID); err != nil {
			s.logger.WarnContext(ctx, "progress cache invalidation failed", "partner_id", p.PartnerID, "error", err)
		}
	}
	return nil
}

func (s *Service) replayIdempotent(ctx context.Context, key, requestHash string, out any) (bool, error) {
	if s.idempotency == nil {
		return false, nil
	}
	now := s.nowFn()
	existing, err := s.idempotency.Get(ctx, key, now)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if existing.RequestHash != requestHash {
			return false, domain.ErrIdempotencyConflict
		}
		if len(existing.ResponseBody) == 0 {
			return false, nil
		}
		if err := json.Unmarshal(existing.ResponseBody, out); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, s.idempotency.Reserve(ctx, key, requestHash, now.Add(s.cfg.IdempotencyTTL))
}

func (s *Service) finishIdempotent(ctx context.Context, key string, out any) error {
	if s.idempotency == nil {
		return nil
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return s.idempotency.Complete(ctx, key, 200, payload, s.nowFn())
}

func requireStaff(actor Actor) error {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.ErrUnauthorized
	}
	if !actorIsStaff(actor) {
		return domain.ErrForbidden
	}
	return nil
}

func actorIsStaff(actor Actor) bool {
	return actor.Role == RoleAdmin || actor.Role == RoleOps
}

func hashPayload(value any) string {
	blob, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
