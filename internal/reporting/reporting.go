// Package reporting maps duty types to the fixed time volunteers must
// report at the mosque.
package reporting

import (
	"fmt"
	"strings"
)

// Clock is a wall-clock time of day in the scheduling timezone.
type Clock struct {
	Hour   int
	Minute int
}

// Label renders the clock the way it appears in notifications, e.g. "05:20 AM".
func (c Clock) Label() string {
	hour := c.Hour % 12
	if hour == 0 {
		hour = 12
	}
	suffix := "AM"
	if c.Hour >= 12 {
		suffix = "PM"
	}
	return fmt.Sprintf("%02d:%02d %s", hour, c.Minute, suffix)
}

var (
	preFajr  = Clock{Hour: 4, Minute: 30}
	fajr     = Clock{Hour: 5, Minute: 20}
	zohrAsr  = Clock{Hour: 12, Minute: 30}
	maghrib  = Clock{Hour: 17, Minute: 40}
	noReport = Clock{}
)

// Spelling variants (ZOHR/ZOHAR, ASHAR/ASAR, ISHA/ISHAA) are listed as they
// appear in stored data; they are not folded into each other.
var table = map[string]Clock{
	"SANAH":        preFajr,
	"TAJWEED":      preFajr,
	"DUA_E_JOSHAN": preFajr,
	"YASEEN":       preFajr,
	"JOSHAN":       preFajr,
	"TILAWAT":      preFajr,

	"FAJAR_AZAAN":   fajr,
	"FAJAR_TAKBIRA": fajr,

	"ZOHR_AZAAN":    zohrAsr,
	"ZOHR_TAKBIRA":  zohrAsr,
	"ZOHAR_AZAAN":   zohrAsr,
	"ZOHAR_TAKBIRA": zohrAsr,
	"ASHAR_AZAAN":   zohrAsr,
	"ASHAR_TAKBIRA": zohrAsr,
	"ASAR_AZAAN":    zohrAsr,
	"ASAR_TAKBIRA":  zohrAsr,

	"MAGRIB_AZAAN":   maghrib,
	"MAGRIB_TAKBIRA": maghrib,
	"ISHA_AZAAN":     maghrib,
	"ISHA_TAKBIRA":   maghrib,
	"ISHAA_AZAAN":    maghrib,
	"ISHAA_TAKBIRA":  maghrib,
}

// ReportingTime returns the reporting clock for a duty type. Unmapped types
// return ok=false; callers treat that as "no reporting time", not an error.
func ReportingTime(dutyType string) (Clock, bool) {
	c, ok := table[strings.ToUpper(strings.TrimSpace(dutyType))]
	if !ok {
		return noReport, false
	}
	return c, true
}

// Label returns the reporting time label or fallback when the type is unmapped.
func Label(dutyType, fallback string) string {
	c, ok := ReportingTime(dutyType)
	if !ok {
		return fallback
	}
	return c.Label()
}

// DutyLabel turns a duty type code into display text: FAJAR_AZAAN -> "Fajar Azaan".
func DutyLabel(dutyType string) string {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(dutyType)), "_")
	for i, p := range parts {
		if p == "" || p == "e" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
