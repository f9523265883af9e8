package transform

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
)

// dayLayouts are full calendar dates. Month-first numeric forms come before
// day-first ones so the ambiguous 01/02/2023 reads as January 2.
var dayLayouts = []string{
	"2006-1-2",
	"2006/1/2",
	"2006.1.2",
	"1-2-2006",
	"1/2/2006",
	"1.2.2006",
	"2-1-2006",
	"2/1/2006",
	"2.1.2006",

	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"2-January-2006",
	"2-Jan-2006",
}

// partialLayouts anchor to the first day of the month or year. They never
// carry a time.
var partialLayouts = []string{
	"January 2006",
	"Jan 2006",
	"2006 January",
	"2006 Jan",
	"2006-1",
	"2006/1",
	"2006",
}

// clockLayouts follow a full date, separated by a space or an ISO "T".
// Fractional seconds are accepted after any seconds field.
var clockLayouts = []string{
	"15:04:05",
	"15:04",
	"3:04:05 PM",
	"3:04 PM",
}

// zoneLayouts optionally follow a clock. Z07:00 also matches a bare "Z".
var zoneLayouts = []string{
	"",
	"Z07:00",
	" Z07:00",
	"-0700",
	" -0700",
	" MST",
}

var dateLayouts = buildDateLayouts()

func buildDateLayouts() []string {
	layouts := make([]string, 0, len(dayLayouts)*(1+2*len(clockLayouts)*len(zoneLayouts))+len(partialLayouts))
	for _, day := range dayLayouts {
		layouts = append(layouts, day)
		for _, sep := range []string{" ", "T"} {
			for _, clock := range clockLayouts {
				for _, zone := range zoneLayouts {
					layouts = append(layouts, day+sep+clock+zone)
				}
			}
		}
	}
	return append(layouts, partialLayouts...)
}

// NormalizeDate converts a free-form date string to a UTC instant. Partial
// dates anchor to their earliest instant: "2023-07" is 2023-07-01T00:00:00Z
// and "2025" is 2025-01-01T00:00:00Z. Values without an offset are taken as
// UTC, as is a trailing zone abbreviation the local zone does not define. Empty input returns nil silently; anything unparseable returns nil and
// logs a data-quality warning.
func NormalizeDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	logger.Warn("unparseable_date_string", zap.String("date_string", s))
	return nil
}
