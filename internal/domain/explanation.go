package domain

// Factor is one weighted contribution inside an Explanation.
// The closed shape is shared by the fraud scorer and the rating engine so
// every consumer (API, audit log, tests) relies on the same fields.
type Factor struct {
	Name         string  `json:"name"`
	Score        float64 `json:"score"`        // raw signal value (confidence or dimension score)
	Weight       float64 `json:"weight"`       // weight applied to the signal
	Contribution float64 `json:"contribution"` // signed contribution to the result
}

// Explanation is a derived, stateless factor breakdown. It is always
// reconstructible from the inputs of the assessment or rating update it
// accompanies and is never stored on its own.
type Explanation struct {
	Factors []Factor `json:"factors"`
	Summary string   `json:"summary"`
}
