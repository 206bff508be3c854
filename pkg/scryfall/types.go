package scryfall

import "fmt"

// Set is one entry of the /sets list.
type Set struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Digital bool   `json:"digital"`
}

// Prices holds the Cardmarket prices of a printing. Nil means the feed had no
// price for that finish.
type Prices struct {
	Eur     *string `json:"eur"`
	EurFoil *string `json:"eur_foil"`
}

// CardFace is one face of a multi-faced printing.
type CardFace struct {
	Name      string            `json:"name"`
	ImageURIs map[string]string `json:"image_uris"`
}

// Card is one printing from the bulk card file.
type Card struct {
	ID              string            `json:"id"`
	CardmarketID    *int64            `json:"cardmarket_id"`
	Name            string            `json:"name"`
	ScryfallURI     string            `json:"scryfall_uri"`
	Reserved        bool              `json:"reserved"`
	Set             string            `json:"set"`
	CollectorNumber string            `json:"collector_number"`
	Prices          Prices            `json:"prices"`
	ImageURIs       map[string]string `json:"image_uris"`
	CardFaces       []CardFace        `json:"card_faces"`
	Digital         bool              `json:"digital"`
}

// Imagery is the image layout of a printing: SingleImage or FaceImages.
type Imagery interface {
	imagery()
}

// SingleImage is the top-level image map of a single-faced printing. It may be nil.
type SingleImage map[string]string

// FaceImages holds one image map per face, in face order. A face without
// images has a nil entry.
type FaceImages []map[string]string

func (SingleImage) imagery() {}
func (FaceImages) imagery()  {}

// Imagery classifies the card's images. Split and adventure cards carry a
// top-level map alongside their faces and count as single images.
func (c Card) Imagery() Imagery {
	if c.ImageURIs == nil && len(c.CardFaces) >= 2 {
		faces := make(FaceImages, len(c.CardFaces))
		for i, f := range c.CardFaces {
			faces[i] = f.ImageURIs
		}
		return faces
	}
	return SingleImage(c.ImageURIs)
}

// CardResult is one element of the card stream: a decoded card or an error.
// Ordinal is the element's zero-based position in the feed.
type CardResult struct {
	Ordinal int
	Card    Card
	Err     error
}

// RecordDecodeError reports a well-formed stream element that does not match
// the card schema. The stream continues past it.
type RecordDecodeError struct {
	Ordinal int
	ID      string
	Err     error
}

func (e *RecordDecodeError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("scryfall: decode card %d (%s): %v", e.Ordinal, e.ID, e.Err)
	}
	return fmt.Sprintf("scryfall: decode card %d: %v", e.Ordinal, e.Err)
}

func (e *RecordDecodeError) Unwrap() error {
	return e.Err
}

type setList struct {
	Data     []Set  `json:"data"`
	HasMore  bool   `json:"has_more"`
	NextPage string `json:"next_page"`
}

type bulkData struct {
	Type        string `json:"type"`
	DownloadURI string `json:"download_uri"`
	UpdatedAt   string `json:"updated_at"`
	Size        int64  `json:"size"`
}
