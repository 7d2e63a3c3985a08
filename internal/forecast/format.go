package forecast

import "strings"

var labelEmoji = map[string]string{
	"Fair":                                    "☀️",
	"Fair (Day)":                              "☀️",
	"Fair (Night)":                            "🌙",
	"Fair and Warm":                           "🌤️",
	"Partly Cloudy":                           "⛅",
	"Partly Cloudy (Day)":                     "⛅",
	"Partly Cloudy (Night)":                   "☁️",
	"Cloudy":                                  "☁️",
	"Hazy":                                    "🌫️",
	"Slightly Hazy":                           "🌫️",
	"Windy":                                   "💨",
	"Mist":                                    "🌫️",
	"Fog":                                     "🌫️",
	"Light Rain":                              "🌦️",
	"Moderate Rain":                           "🌧️",
	"Heavy Rain":                              "🌧️",
	"Passing Showers":                         "🌦️",
	"Light Showers":                           "🌦️",
	"Showers":                                 "🌧️",
	"Heavy Showers":                           "🌧️",
	"Thundery Showers":                        "⛈️",
	"Heavy Thundery Showers":                  "⛈️",
	"Heavy Thundery Showers with Gusty Winds": "🌪️",
}

// Emoji returns the icon for a forecast label, or "" for unknown labels.
func Emoji(label string) string { return labelEmoji[label] }

// FormatBlock renders one area forecast (Markdown). The validity line is
// omitted when text is empty.
func FormatBlock(area, label, validText string) string {
	var b strings.Builder
	b.WriteString(Emoji(label))
	b.WriteString(" *")
	b.WriteString(area)
	b.WriteString("*\nForecast: *")
	b.WriteString(label)
	b.WriteString("*")
	if validText != "" {
		b.WriteString("\nValid: ")
		b.WriteString(validText)
	}
	return b.String()
}

// Compose renders one block per area present in the snapshot, in the order
// given, joined by a blank line. Areas the snapshot does not cover are
// skipped; n is the number of blocks rendered.
func Compose(snap Snapshot, areas []string) (text string, n int) {
	blocks := make([]string, 0, len(areas))
	for _, a := range areas {
		label, ok := snap.Lookup(a)
		if !ok {
			continue
		}
		blocks = append(blocks, FormatBlock(a, label, snap.ValidityText))
	}
	return strings.Join(blocks, "\n\n"), len(blocks)
}
