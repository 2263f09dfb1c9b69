package progress

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// FormatDistance renders meters for the display, getting coarser with range:
// "850m", "4.27km", "23.4km", "142km".
func FormatDistance(m float64) string {
	switch {
	case m < 1000:
		return strconv.Itoa(int(math.Round(m))) + "m"
	case m < 10000:
		return fmt.Sprintf("%d.%02dkm", int(math.Floor(m/1000)), int(math.Floor(math.Mod(m, 1000)/10)))
	case m < 100000:
		return fmt.Sprintf("%d.%dkm", int(math.Floor(m/1000)), int(math.Floor(math.Mod(m, 1000)/100)))
	default:
		return strconv.Itoa(int(math.Round(m/1000))) + "km"
	}
}

// TimeToGoMinutes converts a distance and a pace (minutes per km) to whole minutes.
func TimeToGoMinutes(meters, pace float64) int {
	return int(math.Round(meters * pace / 1000))
}

// FormatDuration renders minutes as "1 min", "N mins" or "HhMM".
func FormatDuration(minutes int) string {
	switch {
	case minutes == 1:
		return "1 min"
	case minutes < 60:
		return fmt.Sprintf("%d mins", minutes)
	default:
		return fmt.Sprintf("%dh%02d", minutes/60, minutes%60)
	}
}

// FormatETA returns now plus the given minutes as 24-hour HH:MM.
func FormatETA(now time.Time, minutes int) string {
	return now.Add(time.Duration(minutes) * time.Minute).Format("15:04")
}
