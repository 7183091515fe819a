package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// Price is either a parsed amount or, when parsing failed, the cleaned raw
// text. It marshals to a JSON number, a JSON string or null.
type Price struct {
	Amount *float64
	Raw    string
}

func (p *Price) IsValid() bool {
	return p != nil && (p.Amount != nil || p.Raw != "")
}

func (p Price) MarshalJSON() ([]byte, error) {
	if p.Amount != nil {
		return []byte(strconv.FormatFloat(*p.Amount, 'f', -1, 64)), nil
	}
	if p.Raw != "" {
		return json.Marshal(p.Raw)
	}
	return []byte("null"), nil
}

func (p *Price) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = Price{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*p = Price{Amount: &f}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = Price{Raw: s}
	return nil
}

func (p *Price) String() string {
	if p == nil {
		return ""
	}
	if p.Amount != nil {
		return strconv.FormatFloat(*p.Amount, 'f', 2, 64)
	}
	return p.Raw
}

type Review struct {
	Rating *float64 `json:"rating"`
	Date   string   `json:"date"`
	Status string   `json:"status"`
	Title  string   `json:"title"`
	Text   string   `json:"text"`
}

// Ratings is the rating summary block of a product page.
type Ratings struct {
	Overall          *float64            `json:"overall_rating"`
	Total            *int                `json:"total_reviews"`
	RecommendPercent *float64            `json:"recommend_percent"`
	Distribution     map[string]*float64 `json:"distribution"`
	Fit              map[string]*float64 `json:"fit,omitempty"`
}

type RelatedProduct struct {
	URL   string  `json:"url"`
	Name  *string `json:"name"`
	Price *Price  `json:"price"`
}

type Source struct {
	Website   string    `json:"website"`
	URL       string    `json:"url"`
	ScrapedAt time.Time `json:"scraped_at"`
	Category  string    `json:"category,omitempty"`
}

// ProductRecord is one scraped product. Only URL is guaranteed; a record
// counts as scraped when Price is set.
type ProductRecord struct {
	ProductID       string                      `json:"product_id,omitempty"`
	URL             string                      `json:"url"`
	Name            *string                     `json:"name"`
	Price           *Price                      `json:"price"`
	Currency        string                      `json:"currency,omitempty"`
	Brand           *string                     `json:"brand"`
	Description     *string                     `json:"description"`
	Images          []string                    `json:"images"`
	Details         []string                    `json:"details"`
	Sizes           []string                    `json:"sizes"`
	Colors          []string                    `json:"colors"`
	Ratings         *Ratings                    `json:"ratings"`
	OverallRating   *float64                    `json:"overall_rating"`
	TotalReviews    *int                        `json:"total_reviews"`
	Reviews         []Review                    `json:"reviews"`
	AllReviews      []Review                    `json:"all_reviews"`
	RelatedProducts map[string][]RelatedProduct `json:"related_products"`
	Source          Source                      `json:"source"`
}

func NewProductRecord(url, website, category string) *ProductRecord {
	return &ProductRecord{
		URL:             url,
		Images:          make([]string, 0),
		Details:         make([]string, 0),
		Sizes:           make([]string, 0),
		Colors:          make([]string, 0),
		Reviews:         make([]Review, 0),
		AllReviews:      make([]Review, 0),
		RelatedProducts: make(map[string][]RelatedProduct),
		Source: Source{
			Website:   website,
			URL:       url,
			ScrapedAt: time.Now().UTC(),
			Category:  category,
		},
	}
}

// Scraped reports whether the price gate passed.
func (r *ProductRecord) Scraped() bool {
	return r != nil && r.Price.IsValid()
}

// StringOrEmpty dereferences an optional string.
func StringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// OptionalString returns nil for an empty string.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
