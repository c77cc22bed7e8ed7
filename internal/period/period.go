// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package period translates named cadences into cron trigger expressions
// and DHIS2 period labels.
//
// A cadence names how often a job recurs (Daily, Weekly, Monthly,
// Quarterly, SixMonthly, Yearly, plus the three financial-year variants).
// The integer offset shifts which day of the period the trigger fires on:
// day-of-week for Weekly, day-of-month for everything else.
package period

import (
	"fmt"
	"time"

	"github.com/ssewanyana/dhisync/internal/models"
)

// Supported cadence names.
const (
	Daily          = "Daily"
	Weekly         = "Weekly"
	Monthly        = "Monthly"
	Quarterly      = "Quarterly"
	SixMonthly     = "SixMonthly"
	Yearly         = "Yearly"
	FinancialJuly  = "FinancialJuly"
	FinancialApril = "FinancialApril"
	FinancialOct   = "FinancialOct"
)

// Cadences lists every supported cadence name.
var Cadences = []string{
	Daily, Weekly, Monthly, Quarterly, SixMonthly, Yearly,
	FinancialJuly, FinancialApril, FinancialOct,
}

// CronExpression returns the 5-field cron expression for the cadence,
// fired at midnight on the offset day. Unknown cadences are a
// configuration error and must be rejected before the job is registered.
func CronExpression(cadence string, offset int) (string, error) {
	day := offset
	if day < 1 {
		day = 1
	}
	dow := offset
	if dow < 0 || dow > 6 {
		dow = 0
	}

	switch cadence {
	case Daily:
		return "0 0 * * *", nil
	case Weekly:
		return fmt.Sprintf("0 0 * * %d", dow), nil
	case Monthly:
		return fmt.Sprintf("0 0 %d * *", day), nil
	case Quarterly:
		return fmt.Sprintf("0 0 %d 1,4,7,10 *", day), nil
	case SixMonthly:
		return fmt.Sprintf("0 0 %d 1,7 *", day), nil
	case Yearly:
		return fmt.Sprintf("0 0 %d 1 *", day), nil
	case FinancialJuly:
		return fmt.Sprintf("0 0 %d 7 *", day), nil
	case FinancialApril:
		return fmt.Sprintf("0 0 %d 4 *", day), nil
	case FinancialOct:
		return fmt.Sprintf("0 0 %d 10 *", day), nil
	default:
		return "", fmt.Errorf("%w: unknown cadence %q", models.ErrConfiguration, cadence)
	}
}

// FormatPeriod renders t as the DHIS2 period label for the cadence:
// 20060102 for Daily, 2006W1..W53 for Weekly, 200601 for Monthly,
// 2006Q1..Q4 for Quarterly, 2006S1/S2 for SixMonthly, the 4-digit year
// for Yearly, and year+month-name suffixes for the financial variants.
func FormatPeriod(cadence string, t time.Time) (string, error) {
	switch cadence {
	case Daily:
		return t.Format("20060102"), nil
	case Weekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%dW%d", year, week), nil
	case Monthly:
		return t.Format("200601"), nil
	case Quarterly:
		q := (int(t.Month())-1)/3 + 1
		return fmt.Sprintf("%dQ%d", t.Year(), q), nil
	case SixMonthly:
		s := 1
		if t.Month() > time.June {
			s = 2
		}
		return fmt.Sprintf("%dS%d", t.Year(), s), nil
	case Yearly:
		return t.Format("2006"), nil
	case FinancialJuly:
		return fmt.Sprintf("%dJuly", financialYear(t, time.July)), nil
	case FinancialApril:
		return fmt.Sprintf("%dApril", financialYear(t, time.April)), nil
	case FinancialOct:
		return fmt.Sprintf("%dOct", financialYear(t, time.October)), nil
	default:
		return "", fmt.Errorf("%w: unknown cadence %q", models.ErrConfiguration, cadence)
	}
}

// financialYear returns the calendar year a financial year starting in
// startMonth began in, for the instant t.
func financialYear(t time.Time, startMonth time.Month) int {
	if t.Month() < startMonth {
		return t.Year() - 1
	}
	return t.Year()
}

// LastUpdatedDuration returns the DHIS2 lastUpdatedDuration shorthand
// covering one cadence interval, used by the attribute-export pipeline to
// bound its destination query.
func LastUpdatedDuration(cadence string) (string, error) {
	switch cadence {
	case Daily:
		return "1d", nil
	case Weekly:
		return "7d", nil
	case Monthly:
		return "31d", nil
	case Quarterly:
		return "92d", nil
	case SixMonthly:
		return "183d", nil
	case Yearly, FinancialJuly, FinancialApril, FinancialOct:
		return "365d", nil
	default:
		return "", fmt.Errorf("%w: unknown cadence %q", models.ErrConfiguration, cadence)
	}
}

// OffsetDays is how far back from now the aggregate reporting period is
// computed. A zero additional offset still reaches one day back so a
// midnight fire reports on the period that just closed, except for Weekly
// where the ISO week of the fire day is already the intended one.
func OffsetDays(cadence string, additional int) int {
	if additional == 0 && cadence != Weekly {
		return 1
	}
	return additional
}

// Valid reports whether the cadence name is supported.
func Valid(cadence string) bool {
	for _, c := range Cadences {
		if c == cadence {
			return true
		}
	}
	return false
}
