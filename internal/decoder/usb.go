package decoder

// signature describes one known USB charging-protocol data-line pattern. A
// signature matches either a single positive/negative pair, any of several
// pairs, or equal voltages on both lines.
type signature struct {
	name     string
	positive float64
	negative float64
	pairs    [][2]float64
	equal    bool
}

// dataLineCeiling is the highest voltage a USB data line signals with. Equal
// readings above it are not a shorted DCP port.
const dataLineCeiling = 3.3

// Order matters: the first matching signature wins.
var signatures = []signature{
	{name: "Apple 0.5A", positive: 2, negative: 2},
	{name: "Apple 1.0A", positive: 2, negative: 2.7},
	{name: "Apple 2.1A", positive: 2.7, negative: 2},
	{name: "Apple 2.4A", positive: 2.7, negative: 2.7},
	{name: "Samsung 0.9A", positive: 1.7, negative: 1.7},
	{name: "Quick Charge", pairs: [][2]float64{
		{0.6, 0},   // 5V
		{3.3, 0.6}, // 9V
		{0.6, 0.6}, // 12V
		{3.3, 3.3}, // 20V
	}},
	{name: "DCP 1.5A", equal: true},
}

// UnknownMode is reported when no signature matches.
const UnknownMode = "Unknown"

// InferMode classifies the data-line voltages against known USB charging
// signatures.
func InferMode(plus, minus float64) string {
	for _, s := range signatures {
		switch {
		case s.equal:
			if voltageMatches(plus, minus) && withinDataLineRange(plus) {
				return s.name
			}
		case len(s.pairs) > 0:
			for _, pair := range s.pairs {
				if voltageMatches(plus, pair[0]) && voltageMatches(minus, pair[1]) {
					return s.name
				}
			}
		default:
			if voltageMatches(plus, s.positive) && voltageMatches(minus, s.negative) {
				return s.name
			}
		}
	}

	return UnknownMode
}

// voltageMatches compares within 5% of the reference, widened to 15% above
// 2.7V where fast-charge signaling is less precise.
func voltageMatches(value, reference float64) bool {
	tolerance := 5.0
	if value > 2.7 {
		tolerance = 15
	}

	low := reference * (100 - tolerance) / 100
	high := reference * (100 + tolerance) / 100

	return value >= low && value <= high
}

func withinDataLineRange(value float64) bool {
	return value <= dataLineCeiling*1.15
}
