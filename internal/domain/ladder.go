package domain

import (
	"fmt"
	"strings"
)

type Rank struct {
	Name            string   `json:"name"`
	XPThreshold     int      `json:"xp_threshold"`
	CommissionRate  float64  `json:"commission_rate"`
	RequiredTaskIDs []string `json:"required_task_ids"`
}

// Ladder is the ordered rank table. It is built once at bootstrap and never
// mutated afterwards; both natural and administrative rank changes resolve
// against the same instance.
type Ladder struct {
	ranks    []Rank
	index    map[string]int
	proTier  string
	verified string
}

func NewLadder(ranks []Rank, proTier, verifiedRank string) (Ladder, error) {
	if len(ranks) == 0 {
		return Ladder{}, fmt.Errorf("%w: ladder requires at least one rank", ErrInvalidInput)
	}
	index := make(map[string]int, len(ranks))
	prev := -1
	for i, r := range ranks {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return Ladder{}, fmt.Errorf("%w: rank %d has empty name", ErrInvalidInput, i)
		}
		if _, ok := index[name]; ok {
			return Ladder{}, fmt.Errorf("%w: duplicate rank %q", ErrInvalidInput, name)
		}
		if r.XPThreshold < 0 {
			return Ladder{}, fmt.Errorf("%w: rank %q has negative threshold", ErrInvalidInput, name)
		}
		if r.XPThreshold <= prev && i > 0 {
			return Ladder{}, fmt.Errorf("%w: rank %q threshold must exceed its predecessor", ErrInvalidInput, name)
		}
		if r.CommissionRate < 0 || r.CommissionRate > 100 {
			return Ladder{}, fmt.Errorf("%w: rank %q commission rate out of range", ErrInvalidInput, name)
		}
		prev = r.XPThreshold
		index[name] = i
	}
	if ranks[0].XPThreshold != 0 {
		return Ladder{}, fmt.Errorf("%w: floor rank must start at 0 XP", ErrInvalidInput)
	}
	if _, ok := index[proTier]; proTier != "" && !ok {
		return Ladder{}, fmt.Errorf("%w: pro tier rank %q not in ladder", ErrInvalidInput, proTier)
	}
	if _, ok := index[verifiedRank]; verifiedRank != "" && !ok {
		return Ladder{}, fmt.Errorf("%w: verified rank %q not in ladder", ErrInvalidInput, verifiedRank)
	}
	copied := make([]Rank, len(ranks))
	copy(copied, ranks)
	for i := range copied {
		copied[i].RequiredTaskIDs = append([]string(nil), copied[i].RequiredTaskIDs...)
	}
	return Ladder{ranks: copied, index: index, proTier: proTier, verified: verifiedRank}, nil
}

// Resolve returns the highest rank whose threshold does not exceed xp.
func (l Ladder) Resolve(xp int) Rank {
	if xp < 0 {
		xp = 0
	}
	out := l.ranks[0]
	for _, r := range l.ranks {
		if r.XPThreshold > xp {
			break
		}
		out = r
	}
	return out
}

func (l Ladder) Get(name string) (Rank, bool) {
	i, ok := l.index[strings.TrimSpace(name)]
	if !ok {
		return Rank{}, false
	}
	return l.ranks[i], true
}

func (l Ladder) Next(name string) (Rank, bool) {
	i, ok := l.index[name]
	if !ok || i+1 >= len(l.ranks) {
		return Rank{}, false
	}
	return l.ranks[i+1], true
}

func (l Ladder) Previous(name string) (Rank, bool) {
	i, ok := l.index[name]
	if !ok || i == 0 {
		return Rank{}, false
	}
	return l.ranks[i-1], true
}

// Compare orders two rank names by ladder position. Unknown names sort lowest.
func (l Ladder) Compare(a, b string) int {
	ia, oka := l.index[a]
	ib, okb := l.index[b]
	if !oka {
		ia = -1
	}
	if !okb {
		ib = -1
	}
	switch {
	case ia < ib:
		return -1
	case ia > ib:
		return 1
	default:
		return 0
	}
}

func (l Ladder) Floor() Rank { return l.ranks[0] }

func (l Ladder) Top() Rank { return l.ranks[len(l.ranks)-1] }

func (l Ladder) IsProTier(name string) bool {
	return l.proTier != "" && l.Compare(name, l.proTier) >= 0
}

func (l Ladder) VerifiedRank() (Rank, bool) {
	if l.verified == "" {
		return Rank{}, false
	}
	return l.Get(l.verified)
}

func (l Ladder) Ranks() []Rank {
	out := make([]Rank, len(l.ranks))
	copy(out, l.ranks)
	return out
}

// DefaultLadder mirrors the production partner ladder shipped with the
// platform. Configuration may replace it wholesale at bootstrap.
func DefaultLadder() Ladder {
	ladder, err := NewLadder([]Rank{
		{Name: "Recruit", XPThreshold: 0, CommissionRate: 10},
		{Name: "Initiate", XPThreshold: 500, CommissionRate: 15, RequiredTaskIDs: []string{
			"lesson-orientation", "lesson-brand-basics",
		}},
		{Name: "Apprentice", XPThreshold: 1000, CommissionRate: 25, RequiredTaskIDs: []string{
			"lesson-cold-outreach", "lesson-crm-hygiene", "quiz-foundations",
		}},
		{Name: "Agent", XPThreshold: 2000, CommissionRate: 30, RequiredTaskIDs: []string{
			"lesson-pipeline-mgmt", "quiz-sales-process", "lesson-proposal-writing",
		}},
		{Name: "Operative", XPThreshold: 2500, CommissionRate: 31, RequiredTaskIDs: []string{
			"lesson-discovery-calls", "lesson-objection-handling",
		}},
		{Name: "Senior Agent", XPThreshold: 3000, CommissionRate: 32, RequiredTaskIDs: []string{
			"lesson-negotiation", "lesson-retention-playbook",
		}},
		{Name: "Specialist", XPThreshold: 4000, CommissionRate: 34, RequiredTaskIDs: []string{
			"lesson-vertical-specialization", "quiz-advanced-sales",
		}},
		{Name: "Consultant", XPThreshold: 5000, CommissionRate: 36, RequiredTaskIDs: []string{
			"lesson-account-strategy", "lesson-upsell-paths",
		}},
		{Name: "Closer", XPThreshold: 6000, CommissionRate: 38, RequiredTaskIDs: []string{
			"lesson-enterprise-deals", "quiz-closing-mastery",
		}},
		{Name: "Verified", XPThreshold: 7000, CommissionRate: 40, RequiredTaskIDs: []string{
			"lesson-verified-01", "lesson-verified-02", "lesson-verified-03",
			"lesson-verified-04", "lesson-verified-05", "lesson-verified-06",
			"lesson-verified-07", "lesson-verified-08", "lesson-verified-09",
			"lesson-verified-10", "quiz-verified-ethics", "quiz-verified-final",
		}},
		{Name: "Partner Pro", XPThreshold: 9000, CommissionRate: 50, RequiredTaskIDs: []string{
			"lesson-pro-mentorship", "quiz-pro-certification",
		}},
	}, "Partner Pro", "Verified")
	if err != nil {
		panic(err)
	}
	return ladder
}
