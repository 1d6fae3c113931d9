package units

import (
	"math"

	"github.com/dustin/go-humanize"
)

// FormatMeters renders a distance for people: kilometers with up to two
// decimals from 1000 m upward, whole meters below that.
func FormatMeters(m float64, abbreviate bool) string {
	if m >= 1000 {
		km := humanize.FtoaWithDigits(m/1000, 2)
		if abbreviate {
			return km + "km"
		}
		if km == "1" {
			return km + " kilometer"
		}
		return km + " kilometers"
	}
	meters := humanize.Comma(int64(math.Round(m)))
	if abbreviate {
		return meters + "m"
	}
	if meters == "1" {
		return meters + " meter"
	}
	return meters + " meters"
}
