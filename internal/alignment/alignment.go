// Package alignment scores how closely a person or party voted with a policy
// over a period, with the person's party as a comparison baseline.
package alignment

import (
	"math"
	"time"
)

type Cast string

const (
	Aye     Cast = "aye"
	No      Cast = "no"
	Abstain Cast = "abstain"
	Absent  Cast = "absent"
)

type Direction string

const (
	For     Direction = "for"
	Against Direction = "against"
)

type Strength string

const (
	Strong Strength = "strong"
	Weak   Strength = "weak"
)

type EntityKind string

const (
	KindPerson EntityKind = "person"
	KindParty  EntityKind = "party"
)

type Status string

const (
	StatusScored           Status = "scored"
	StatusInsufficientData Status = "insufficient_data"
)

// Entity is the subject of a score. For a person, PartyID selects the
// comparison party (0 when the person has none).
type Entity struct {
	Kind    EntityKind
	ID      int64
	PartyID int64
}

type Decision struct {
	ID        int64
	Date      time.Time
	Direction Direction
	Strength  Strength
}

// Span is an inclusive date range; a zero End is open-ended.
type Span struct {
	Start time.Time
	End   time.Time
}

func (s Span) Contains(t time.Time) bool {
	if !s.Start.IsZero() && t.Before(s.Start) {
		return false
	}
	if !s.End.IsZero() && t.After(s.End) {
		return false
	}
	return true
}

type Vote struct {
	PersonID int64
	PartyID  int64
	Cast     Cast
}

type Input struct {
	Entity Entity
	Period Span
	// Memberships limits a person to decisions taken while they sat in the
	// chamber. Ignored for parties.
	Memberships []Span
	// Decisions are the policy's decisions in its chamber.
	Decisions []Decision
	Votes     map[int64][]Vote
}

// Counts tallies the entity's own votes relative to the policy direction.
type Counts struct {
	Total     int
	Agreed    int
	Disagreed int
	Abstained int
	Absent    int
}

type Result struct {
	Status            Status
	Score             *float64
	PartyScore        *float64
	DistanceFromParty *float64
	Strong            Counts
	Weak              Counts
	Verbose           string
}

// value maps a cast onto the 0-100 agreement scale. ok is false for absences.
func value(c Cast, dir Direction) (v float64, ok bool) {
	switch c {
	case Aye:
		v = 100
	case No:
		v = 0
	case Abstain:
		v = 50
	default:
		return 0, false
	}
	if dir == Against {
		v = 100 - v
	}
	return v, true
}

func (c *Counts) add(cast Cast, dir Direction) {
	c.Total++
	v, ok := value(cast, dir)
	switch {
	case !ok:
		c.Absent++
	case cast == Abstain:
		c.Abstained++
	case v == 100:
		c.Agreed++
	default:
		c.Disagreed++
	}
}

// accumulator sums per-decision member means so each decision carries equal
// weight however many members voted on it.
type accumulator struct {
	points    float64
	available float64
}

func (a *accumulator) add(votes []Vote, dir Direction) {
	if len(votes) == 0 {
		return
	}
	n := float64(len(votes))
	for _, v := range votes {
		if val, ok := value(v.Cast, dir); ok {
			a.points += val / n
			a.available += 1 / n
		}
	}
}

func (a accumulator) score() *float64 {
	if a.available == 0 {
		return nil
	}
	s := a.points / a.available
	return &s
}

func (in Input) applicable(d Decision) bool {
	if !in.Period.Contains(d.Date) {
		return false
	}
	if in.Entity.Kind != KindPerson {
		return true
	}
	for _, m := range in.Memberships {
		if m.Contains(d.Date) {
			return true
		}
	}
	return false
}

func castOf(votes []Vote, personID int64) Cast {
	for _, v := range votes {
		if v.PersonID == personID {
			return v.Cast
		}
	}
	return Absent
}

// Score computes the alignment distribution for in.
func Score(in Input) Result {
	var res Result
	var target, party accumulator

	for _, d := range in.Decisions {
		if !in.applicable(d) {
			continue
		}
		votes := in.Votes[d.ID]

		var members []Vote
		partyID := in.Entity.PartyID
		if in.Entity.Kind == KindParty {
			partyID = in.Entity.ID
		}
		if partyID != 0 {
			for _, v := range votes {
				if v.PartyID == partyID && !(in.Entity.Kind == KindPerson && v.PersonID == in.Entity.ID) {
					members = append(members, v)
				}
			}
		}

		if d.Strength != Strong {
			if in.Entity.Kind == KindPerson {
				res.Weak.add(castOf(votes, in.Entity.ID), d.Direction)
			} else {
				for _, v := range members {
					res.Weak.add(v.Cast, d.Direction)
				}
			}
			continue
		}

		if in.Entity.Kind == KindPerson {
			cast := castOf(votes, in.Entity.ID)
			res.Strong.add(cast, d.Direction)
			target.add([]Vote{{PersonID: in.Entity.ID, Cast: cast}}, d.Direction)
			party.add(members, d.Direction)
			continue
		}
		for _, v := range members {
			res.Strong.add(v.Cast, d.Direction)
		}
		target.add(members, d.Direction)
	}

	res.Score = target.score()
	if in.Entity.Kind == KindPerson {
		res.PartyScore = party.score()
	}
	if res.Score == nil {
		res.Status = StatusInsufficientData
	} else {
		res.Status = StatusScored
	}
	if res.Score != nil && res.PartyScore != nil {
		d := math.Abs(*res.Score - *res.PartyScore)
		res.DistanceFromParty = &d
	}
	res.Verbose = Verbose(res.Score, res.Strong.Absent, res.Strong.Total)
	return res
}

const noData = "No data available"

var bands = []struct {
	min  float64
	text string
}{
	{95, "Consistently voted for"},
	{85, "Almost always voted for"},
	{60, "Generally voted for"},
	{40, "Voted a mixture of for and against"},
	{15, "Generally voted against"},
	{5, "Almost always voted against"},
	{math.Inf(-1), "Consistently voted against"},
}

// Verbose describes score in words. Frequent absence softens the wording:
// more than one strong absence rules out "Consistently", and absence from a
// third or more of strong decisions rules out "Almost always".
func Verbose(score *float64, strongAbsent, strongTotal int) string {
	if score == nil {
		return noData
	}
	idx := len(bands) - 1
	for i, b := range bands {
		if *score >= b.min {
			idx = i
			break
		}
	}
	lo, hi := 0, len(bands)-1
	if strongAbsent > 1 {
		lo, hi = 1, len(bands)-2
	}
	if strongAbsent > 0 && strongAbsent*3 >= strongTotal {
		lo, hi = 2, len(bands)-3
	}
	idx = min(max(idx, lo), hi)
	return bands[idx].text
}
