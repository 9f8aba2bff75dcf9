package metrics

// Policy defines how values reported for one metric are combined.
// Each policy maps to one prometheus collector kind.
type Policy int

const (
	PolicyNone      Policy = iota // No specific policy specified
	PolicySet                     // Instantaneous value - last value wins (gauge)
	PolicySum                     // Sum of all values (counter)
	PolicyStopwatch               // Timer - observed in seconds (histogram)
	PolicyHistogram               // Arbitrary observations (histogram)
)

func (p Policy) String() string {
	switch p {
	case PolicySet:
		return "gauge"
	case PolicySum:
		return "counter"
	case PolicyStopwatch:
		return "stopwatch"
	case PolicyHistogram:
		return "histogram"
	default:
		return "none"
	}
}

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs.
// Dimensions become prometheus labels, such as channel, transport or reason.
type Dimension map[string]string
