// Package dynamics classifies how government and opposition voted on a
// division by matching the vote breakdown to the nearest archetype.
package dynamics

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrDegenerateInput is returned when a side of the breakdown has no
// participants, so percentages are undefined.
var ErrDegenerateInput = errors.New("degenerate breakdown")

const tieTolerance = 1e-9

// Breakdown is the six-way tally of a division. Abstentions are counted in
// the Absent dimension of their side.
type Breakdown struct {
	GovFor     int
	GovAgainst int
	GovAbsent  int
	OppFor     int
	OppAgainst int
	OppAbsent  int
}

func (b Breakdown) GovTotal() int { return b.GovFor + b.GovAgainst + b.GovAbsent }
func (b Breakdown) OppTotal() int { return b.OppFor + b.OppAgainst + b.OppAbsent }

// Vector is a breakdown in percent space: each side sums to 100.
type Vector [6]float64

// Percentages normalizes each side against its own total.
func (b Breakdown) Percentages() (Vector, error) {
	gov, opp := b.GovTotal(), b.OppTotal()
	if gov <= 0 || opp <= 0 {
		return Vector{}, fmt.Errorf("%w: government %d, opposition %d participants", ErrDegenerateInput, gov, opp)
	}
	g, o := float64(gov), float64(opp)
	return Vector{
		float64(b.GovFor) / g * 100,
		float64(b.GovAgainst) / g * 100,
		float64(b.GovAbsent) / g * 100,
		float64(b.OppFor) / o * 100,
		float64(b.OppAgainst) / o * 100,
		float64(b.OppAbsent) / o * 100,
	}, nil
}

func (v Vector) Distance(other Vector) float64 {
	var sum float64
	for i := range v {
		d := v[i] - other[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Cluster is one voting-dynamics archetype.
type Cluster struct {
	Slug        string
	Description string
	Centroid    Vector
	// Threshold is the largest distance at which a match is not an outlier.
	Threshold float64
}

// Assignment is the result of classifying one breakdown.
type Assignment struct {
	Cluster   string
	Distance  float64
	IsOutlier bool
}

type Classifier struct {
	clusters []Cluster
}

// NewClassifier uses clusters in the given order; earlier clusters win ties.
func NewClassifier(clusters []Cluster) (*Classifier, error) {
	if len(clusters) == 0 {
		return nil, errors.New("classifier needs at least one cluster")
	}
	seen := make(map[string]struct{}, len(clusters))
	for _, c := range clusters {
		if c.Slug == "" {
			return nil, errors.New("cluster slug is required")
		}
		if _, ok := seen[c.Slug]; ok {
			return nil, fmt.Errorf("duplicate cluster %q", c.Slug)
		}
		if c.Threshold <= 0 {
			return nil, fmt.Errorf("cluster %q needs a positive threshold", c.Slug)
		}
		seen[c.Slug] = struct{}{}
	}
	return &Classifier{clusters: append([]Cluster(nil), clusters...)}, nil
}

func (c *Classifier) Clusters() []Cluster {
	return append([]Cluster(nil), c.clusters...)
}

func (c *Classifier) Classify(b Breakdown) (Assignment, error) {
	vec, err := b.Percentages()
	if err != nil {
		return Assignment{}, err
	}
	best := -1
	bestDist := math.Inf(1)
	for i, cl := range c.clusters {
		d := vec.Distance(cl.Centroid)
		if d < bestDist-tieTolerance {
			best, bestDist = i, d
		}
	}
	match := c.clusters[best]
	return Assignment{
		Cluster:   match.Slug,
		Distance:  bestDist,
		IsOutlier: bestDist > match.Threshold,
	}, nil
}

func (c *Classifier) Lookup(slug string) (Cluster, bool) {
	for _, cl := range c.clusters {
		if cl.Slug == slug {
			return cl, true
		}
	}
	return Cluster{}, false
}

// Describe returns the cluster description, marking outliers.
func (c *Classifier) Describe(slug string, outlier bool) string {
	desc := slug
	if cl, ok := c.Lookup(slug); ok {
		desc = cl.Description
	}
	if outlier {
		return desc + " (Outlier)"
	}
	return desc
}

// Version summarizes centroids and thresholds so stored assignments can be
// invalidated when the table changes.
func (c *Classifier) Version() string {
	var b strings.Builder
	for _, cl := range c.clusters {
		fmt.Fprintf(&b, "%s:%v:%g;", cl.Slug, cl.Centroid, cl.Threshold)
	}
	return b.String()
}
