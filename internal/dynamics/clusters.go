package dynamics

// DefaultClusters is the fixed archetype table in priority order. Each side
// of a centroid sums to 100: for, against, absent.
var DefaultClusters = []Cluster{
	{
		Slug:        "gov_strong_aye_opp_strong_no",
		Description: "Strong conflict: Gov proposes",
		Centroid:    Vector{90, 0, 10, 2, 85, 13},
		Threshold:   25,
	},
	{
		Slug:        "opp_strong_aye_gov_strong_no",
		Description: "Strong conflict: Opposition proposes",
		Centroid:    Vector{0, 88, 12, 80, 2, 18},
		Threshold:   25,
	},
	{
		Slug:        "gov_aye_opp_lean_no",
		Description: "Divided opposition: Government Aye, Opposition divided",
		Centroid:    Vector{88, 0, 12, 15, 45, 40},
		Threshold:   25,
	},
	{
		Slug:        "opp_aye_weak_gov_no",
		Description: "Medium conflict: Opposition Aye, Government No",
		Centroid:    Vector{0, 60, 40, 45, 2, 53},
		Threshold:   25,
	},
	{
		Slug:        "gov_aye_opp_weak_no",
		Description: "Nominal opposition: Government Aye Opposition Weak No",
		Centroid:    Vector{85, 0, 15, 2, 25, 73},
		Threshold:   25,
	},
	{
		Slug:        "gov_no_opp_lean_no",
		Description: "Multi-party against: Government No, Opposition divided",
		Centroid:    Vector{0, 85, 15, 10, 40, 50},
		Threshold:   25,
	},
	{
		Slug:        "low_participation",
		Description: "Low participation vote",
		Centroid:    Vector{10, 10, 80, 8, 8, 84},
		Threshold:   30,
	},
	{
		Slug:        "cross_party_aye",
		Description: "Cross party aye",
		Centroid:    Vector{80, 2, 18, 70, 3, 27},
		Threshold:   25,
	},
	{
		Slug:        "free_vote",
		Description: "Free vote",
		Centroid:    Vector{40, 35, 25, 35, 30, 35},
		Threshold:   30,
	},
}

// Default returns a classifier over DefaultClusters.
func Default() *Classifier {
	c, err := NewClassifier(DefaultClusters)
	if err != nil {
		panic(err)
	}
	return c
}
