package catalog

import (
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/pkg/scryfall"
)

// singleImagePreference is the resolution order for single-faced printings.
var singleImagePreference = []string{"normal", "large", "small"}

// ZeroPrice is stored when the feed has no price for a finish.
func ZeroPrice() pgtype.Numeric {
	return pgtype.Numeric{Int: big.NewInt(0), Exp: -2, Valid: true}
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithIDGenerator replaces the row id generator (for deterministic tests).
func WithIDGenerator(fn func() string) NormalizerOption {
	return func(n *Normalizer) {
		n.newID = fn
	}
}

// Normalizer turns feed cards into CardRows. It has no store access.
type Normalizer struct {
	newID func() string
}

// NewNormalizer creates a Normalizer that assigns UUID row ids.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{newID: uuid.NewString}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one card. A non-zero SkipReason means the card yields no
// row; a *RecordParseError means a field could not be converted.
func (n *Normalizer) Normalize(card scryfall.Card, expansions ExpansionMap) (CardRow, SkipReason, error) {
	if card.CardmarketID == nil {
		return CardRow{}, SkipNonTradable, nil
	}
	expansionID, ok := expansions[card.Set]
	if !ok {
		return CardRow{}, SkipOrphanExpansion, nil
	}
	if card.Digital {
		return CardRow{}, SkipDigital, nil
	}

	marketID := *card.CardmarketID
	if marketID < math.MinInt32 || marketID > math.MaxInt32 {
		return CardRow{}, SkipNone, &RecordParseError{
			ExternalID: card.ID,
			Field:      "cardmarket_id",
			Value:      strconv.FormatInt(marketID, 10),
			Err:        eris.New("out of int32 range"),
		}
	}

	price, err := parsePrice(card.ID, "eur", card.Prices.Eur)
	if err != nil {
		return CardRow{}, SkipNone, err
	}
	foilPrice, err := parsePrice(card.ID, "eur_foil", card.Prices.EurFoil)
	if err != nil {
		return CardRow{}, SkipNone, err
	}

	front, back := selectImages(card.Imagery())

	return CardRow{
		ID:              n.newID(),
		ExternalID:      card.ID,
		MarketID:        int32(marketID),
		Name:            card.Name,
		ReferenceURI:    card.ScryfallURI,
		Reserved:        card.Reserved,
		ExpansionID:     expansionID,
		CollectorNumber: card.CollectorNumber,
		Price:           price,
		FoilPrice:       foilPrice,
		FrontImageURI:   front,
		BackImageURI:    back,
	}, SkipNone, nil
}

// parsePrice reads a decimal price. Nil means no price and yields 0.00.
func parsePrice(externalID, field string, raw *string) (pgtype.Numeric, error) {
	if raw == nil {
		return ZeroPrice(), nil
	}

	parseErr := func(err error) error {
		return &RecordParseError{ExternalID: externalID, Field: field, Value: *raw, Err: err}
	}

	text := strings.TrimSpace(*raw)
	if text == "" {
		return pgtype.Numeric{}, parseErr(eris.New("empty price"))
	}

	var n pgtype.Numeric
	if err := n.Scan(text); err != nil {
		return pgtype.Numeric{}, parseErr(err)
	}
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return pgtype.Numeric{}, parseErr(eris.New("not a finite number"))
	}
	return n, nil
}

// selectImages picks the front and back image URIs.
func selectImages(img scryfall.Imagery) (front, back string) {
	switch v := img.(type) {
	case scryfall.FaceImages:
		if len(v) == 0 {
			return "", ""
		}
		return v[0]["normal"], v[len(v)-1]["normal"]
	case scryfall.SingleImage:
		for _, key := range singleImagePreference {
			if uri := v[key]; uri != "" {
				return uri, ""
			}
		}
	}
	return "", ""
}
