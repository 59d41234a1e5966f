package source

import "strings"

// Geo is a country the explore page accepts as the geo parameter.
type Geo struct {
	ID   string
	Name string
}

// Geolocations lists the countries with a dedicated explore view. The site
// also accepts sub-regions (e.g. "US-CA") that are not listed here.
var Geolocations = []Geo{
	{"AR", "Argentina"},
	{"AU", "Australia"},
	{"AT", "Austria"},
	{"BE", "Belgium"},
	{"BR", "Brazil"},
	{"CA", "Canada"},
	{"CL", "Chile"},
	{"CO", "Colombia"},
	{"CZ", "Czechia"},
	{"DK", "Denmark"},
	{"EG", "Egypt"},
	{"FI", "Finland"},
	{"FR", "France"},
	{"DE", "Germany"},
	{"GR", "Greece"},
	{"HK", "Hong Kong"},
	{"HU", "Hungary"},
	{"IN", "India"},
	{"ID", "Indonesia"},
	{"IE", "Ireland"},
	{"IL", "Israel"},
	{"IT", "Italy"},
	{"JP", "Japan"},
	{"KE", "Kenya"},
	{"MY", "Malaysia"},
	{"MX", "Mexico"},
	{"NL", "Netherlands"},
	{"NZ", "New Zealand"},
	{"NG", "Nigeria"},
	{"NO", "Norway"},
	{"PH", "Philippines"},
	{"PL", "Poland"},
	{"PT", "Portugal"},
	{"RO", "Romania"},
	{"RU", "Russia"},
	{"SA", "Saudi Arabia"},
	{"SG", "Singapore"},
	{"ZA", "South Africa"},
	{"KR", "South Korea"},
	{"SE", "Sweden"},
	{"CH", "Switzerland"},
	{"TW", "Taiwan"},
	{"TH", "Thailand"},
	{"TR", "Turkey"},
	{"UA", "Ukraine"},
	{"GB", "United Kingdom"},
	{"US", "United States"},
	{"VN", "Vietnam"},
}

// KnownGeo reports whether code, or the country part of a sub-region code,
// is in Geolocations.
func KnownGeo(code string) bool {
	country, _, _ := strings.Cut(strings.ToUpper(code), "-")
	for _, g := range Geolocations {
		if g.ID == country {
			return true
		}
	}
	return false
}
