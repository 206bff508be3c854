// Package scryfall reads the Scryfall card catalog: the set list and the bulk
// card file.
package scryfall

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/fetcher"
)

const (
	defaultBaseURL  = "https://api.scryfall.com"
	defaultBulkType = "default_cards"
	maxSetPages     = 100
)

// Option configures the Scryfall client.
type Option func(*Client)

// WithBaseURL sets a custom API base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithBulkType selects the bulk-data file, e.g. "default_cards" or "all_cards".
func WithBulkType(bulkType string) Option {
	return func(c *Client) {
		c.bulkType = bulkType
	}
}

// Client reads sets and cards from Scryfall through a Fetcher.
type Client struct {
	fetcher  fetcher.Fetcher
	baseURL  string
	bulkType string
}

// NewClient creates a Scryfall client.
func NewClient(f fetcher.Fetcher, opts ...Option) *Client {
	c := &Client{
		fetcher:  f,
		baseURL:  defaultBaseURL,
		bulkType: defaultBulkType,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListSets returns every set, following next_page links.
func (c *Client) ListSets(ctx context.Context) ([]Set, error) {
	var sets []Set
	next := c.baseURL + "/sets"

	for page := 0; next != ""; page++ {
		if page >= maxSetPages {
			return nil, eris.Errorf("scryfall: set list exceeded %d pages", maxSetPages)
		}

		list, err := c.getSetPage(ctx, next)
		if err != nil {
			return nil, err
		}
		sets = append(sets, list.Data...)

		next = ""
		if list.HasMore {
			next = list.NextPage
		}
	}

	zap.L().Debug("scryfall: listed sets", zap.Int("count", len(sets)))
	return sets, nil
}

func (c *Client) getSetPage(ctx context.Context, url string) (*setList, error) {
	body, err := c.fetcher.Download(ctx, url)
	if err != nil {
		return nil, eris.Wrap(err, "scryfall: list sets")
	}
	defer body.Close() //nolint:errcheck

	list, err := fetcher.DecodeJSONObject[setList](body)
	if err != nil {
		return nil, eris.Wrap(err, "scryfall: decode set list")
	}
	return list, nil
}

// StreamCards resolves the configured bulk file and streams its cards in file
// order. Elements that fail to decode arrive with a *RecordDecodeError; a
// broken stream arrives as a final result carrying any other error. The
// channel is closed when the stream ends or ctx is cancelled.
func (c *Client) StreamCards(ctx context.Context) (<-chan CardResult, error) {
	meta, err := c.bulkMetadata(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.fetcher.Download(ctx, meta.DownloadURI)
	if err != nil {
		return nil, eris.Wrap(err, "scryfall: download bulk cards")
	}

	zap.L().Info("scryfall: streaming bulk cards",
		zap.String("type", c.bulkType),
		zap.String("updated_at", meta.UpdatedAt),
		zap.Int64("size", meta.Size),
	)

	rawCh, errCh := fetcher.DecodeJSONArray[json.RawMessage](ctx, body)
	out := make(chan CardResult, 64)

	go func() {
		defer close(out)
		defer body.Close() //nolint:errcheck

		send := func(r CardResult) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		ordinal := 0
		for raw := range rawCh {
			if !send(decodeCard(ordinal, raw)) {
				return
			}
			ordinal++
		}
		for err := range errCh {
			if err != nil {
				send(CardResult{Ordinal: ordinal, Err: eris.Wrapf(err, "scryfall: card stream broke after %d records", ordinal)})
			}
		}
	}()

	return out, nil
}

func (c *Client) bulkMetadata(ctx context.Context) (*bulkData, error) {
	body, err := c.fetcher.Download(ctx, c.baseURL+"/bulk-data/"+c.bulkType)
	if err != nil {
		return nil, eris.Wrapf(err, "scryfall: bulk metadata %s", c.bulkType)
	}
	defer body.Close() //nolint:errcheck

	meta, err := fetcher.DecodeJSONObject[bulkData](body)
	if err != nil {
		return nil, eris.Wrap(err, "scryfall: decode bulk metadata")
	}
	if meta.DownloadURI == "" {
		return nil, eris.Errorf("scryfall: bulk metadata %s has no download_uri", c.bulkType)
	}
	return meta, nil
}

func decodeCard(ordinal int, raw json.RawMessage) CardResult {
	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		var ident struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &ident)
		return CardResult{Ordinal: ordinal, Err: &RecordDecodeError{Ordinal: ordinal, ID: ident.ID, Err: err}}
	}
	return CardResult{Ordinal: ordinal, Card: card}
}
