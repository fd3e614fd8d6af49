package session

import (
	"fmt"
	"math"
)

// FormatTime renders seconds as M:SS, truncating fractions. Negative and
// non-finite values render as 0:00.
func FormatTime(seconds float64) string {
	if !finite(seconds) || seconds < 0 {
		seconds = 0
	}
	total := int64(math.Floor(seconds))
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
