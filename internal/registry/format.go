package registry

import "strconv"

var categoryPrefix = map[Category]string{
	CategoryIncoming: "IN",
	CategoryOutgoing: "OUT",
	CategoryInternal: "INT",
}

// FormatNumber renders the human-facing registration number, e.g. IN-42/2024.
// Continuous scopes (year zero) omit the year suffix.
func FormatNumber(number int64, year int, category Category) string {
	prefix, ok := categoryPrefix[category]
	if !ok {
		prefix = "DOC"
	}
	out := prefix + "-" + strconv.FormatInt(number, 10)
	if year > 0 {
		out += "/" + strconv.Itoa(year)
	}
	return out
}
