package travel

import "strings"

// The curated fallback dataset: a handful of high-traffic routes and
// their typical offers, enough for the assistant to answer the common
// cases while the provider is down. Prices are indicative, in minor
// units.
var curatedRoutes = map[string][]map[string]any{
	"buses|Mexico City|Guadalajara": {
		{"operator": "Primera Plus", "departs": "08:00", "arrives": "14:30", "price_minor": 95000, "currency": "MXN"},
		{"operator": "ETN", "departs": "10:15", "arrives": "16:40", "price_minor": 120000, "currency": "MXN"},
	},
	"buses|Mexico City|Puebla": {
		{"operator": "ADO", "departs": "07:30", "arrives": "09:45", "price_minor": 35000, "currency": "MXN"},
		{"operator": "Estrella Roja", "departs": "09:00", "arrives": "11:10", "price_minor": 32000, "currency": "MXN"},
	},
	"flights|Mexico City|Cancun": {
		{"carrier": "Aeromexico", "departs": "06:50", "arrives": "09:15", "price_minor": 250000, "currency": "MXN"},
		{"carrier": "Volaris", "departs": "11:20", "arrives": "13:45", "price_minor": 180000, "currency": "MXN"},
	},
	"flights|Guadalajara|Monterrey": {
		{"carrier": "VivaAerobus", "departs": "08:10", "arrives": "09:40", "price_minor": 140000, "currency": "MXN"},
	},
	"transfers|Cancun|Tulum": {
		{"operator": "Cancun Shuttle", "departs": "hourly", "duration_min": 110, "price_minor": 60000, "currency": "MXN"},
	},
	"transfers|Mexico City|Toluca": {
		{"operator": "Caminante", "departs": "every 30 min", "duration_min": 70, "price_minor": 15000, "currency": "MXN"},
	},
	"buses|Nairobi|Mombasa": {
		{"operator": "Modern Coast", "departs": "07:00", "arrives": "15:30", "price_minor": 180000, "currency": "KES"},
		{"operator": "Easy Coach", "departs": "21:00", "arrives": "05:45", "price_minor": 150000, "currency": "KES"},
	},
	"buses|Nairobi|Kisumu": {
		{"operator": "Easy Coach", "departs": "08:30", "arrives": "15:00", "price_minor": 140000, "currency": "KES"},
	},
	"flights|Nairobi|Mombasa": {
		{"carrier": "Kenya Airways", "departs": "09:10", "arrives": "10:15", "price_minor": 950000, "currency": "KES"},
		{"carrier": "Jambojet", "departs": "16:40", "arrives": "17:45", "price_minor": 620000, "currency": "KES"},
	},
	"transfers|Mombasa|Diani": {
		{"operator": "Coast Shuttle", "departs": "hourly", "duration_min": 90, "price_minor": 250000, "currency": "KES"},
	},
}

var curatedHotels = map[string][]map[string]any{
	"Cancun": {
		{"name": "Playa Azul Resort", "stars": 4, "price_minor": 320000, "currency": "MXN", "per": "night"},
		{"name": "Centro Hostal", "stars": 2, "price_minor": 80000, "currency": "MXN", "per": "night"},
	},
	"Mexico City": {
		{"name": "Hotel Reforma", "stars": 4, "price_minor": 210000, "currency": "MXN", "per": "night"},
	},
	"Guadalajara": {
		{"name": "Casa Centro", "stars": 3, "price_minor": 130000, "currency": "MXN", "per": "night"},
	},
	"Mombasa": {
		{"name": "Nyali Beach Lodge", "stars": 4, "price_minor": 1200000, "currency": "KES", "per": "night"},
		{"name": "Old Town Guesthouse", "stars": 2, "price_minor": 350000, "currency": "KES", "per": "night"},
	},
	"Nairobi": {
		{"name": "Upper Hill Suites", "stars": 4, "price_minor": 1100000, "currency": "KES", "per": "night"},
	},
}

var curatedEvents = map[string][]map[string]any{
	"Mexico City": {
		{"title": "Lucha Libre at Arena Mexico", "venue": "Arena Mexico", "weekly": "Friday"},
		{"title": "Chapultepec Open-Air Concerts", "venue": "Bosque de Chapultepec", "weekly": "Sunday"},
	},
	"Guadalajara": {
		{"title": "Mariachi Plaza Nights", "venue": "Plaza de los Mariachis", "weekly": "Saturday"},
	},
	"Nairobi": {
		{"title": "Maasai Market", "venue": "High Court Parking", "weekly": "Saturday"},
	},
}

// curated resolves fallback rows for one query. Lookups are exact on the
// title-cased place names the schema already enforces.
func curated(kind string, params map[string]any) []any {
	switch kind {
	case "hotels":
		dest, _ := params["destination"].(string)
		return annotate(curatedHotels[strings.TrimSpace(dest)])
	case "events":
		city, _ := params["city"].(string)
		return annotate(curatedEvents[strings.TrimSpace(city)])
	default:
		origin, _ := params["origin"].(string)
		dest, _ := params["destination"].(string)
		key := kind + "|" + strings.TrimSpace(origin) + "|" + strings.TrimSpace(dest)
		return annotate(curatedRoutes[key])
	}
}

func annotate(rows []map[string]any) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		cp := make(map[string]any, len(row)+1)
		for k, v := range row {
			cp[k] = v
		}
		cp["curated"] = true
		out = append(out, cp)
	}
	return out
}
