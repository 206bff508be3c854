// Package catalog reconciles the Scryfall catalog into the local "Expansion"
// and "MetaCard" tables: it resolves expansion codes to local ids, normalizes
// card records and writes them in fixed-size unnest batches.
package catalog

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// Expansion is a row of the "Expansion" table.
type Expansion struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Code       string `json:"code"`
}

// ExpansionMap maps expansion code to local expansion id.
type ExpansionMap map[string]string

// CardRow is a normalized printing, ready for the "MetaCard" table.
type CardRow struct {
	ID              string         `json:"id"`
	ExternalID      string         `json:"externalId"`
	MarketID        int32          `json:"marketId"`
	Name            string         `json:"name"`
	ReferenceURI    string         `json:"referenceUri"`
	Reserved        bool           `json:"reserved"`
	ExpansionID     string         `json:"expansionId"`
	CollectorNumber string         `json:"collectorNumber"`
	Price           pgtype.Numeric `json:"price"`
	FoilPrice       pgtype.Numeric `json:"foilPrice"`
	FrontImageURI   string         `json:"frontImageUri"`
	BackImageURI    string         `json:"backImageUri"`
}

// SkipReason says why a card record produced no row.
type SkipReason int

// Skip reasons, in the order the normalizer checks them.
const (
	SkipNone SkipReason = iota
	SkipNonTradable
	SkipOrphanExpansion
	SkipDigital
)

func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipNonTradable:
		return "non_tradable"
	case SkipOrphanExpansion:
		return "orphan_expansion"
	case SkipDigital:
		return "digital"
	default:
		return "unknown"
	}
}
