package scrape

import (
	"encoding/json"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// encodeParsedListing/decodeParsedListing serialize the dedup cache's
// value (spec §4.4 "Dedup cache": "the cached parsed record is reused").
func encodeParsedListing(pl domain.ParsedListing) string {
	b, err := json.Marshal(pl)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeParsedListing(raw string) (domain.ParsedListing, bool) {
	var pl domain.ParsedListing
	if err := json.Unmarshal([]byte(raw), &pl); err != nil {
		return domain.ParsedListing{}, false
	}
	return pl, true
}
