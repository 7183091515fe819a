package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/fashion-scraper/internal/cascade"
)

// Section is one related-products carousel.
type Section struct {
	Name      string
	Container string
	Item      string
	NameSel   string
	PriceSel  string
}

// ReviewSelectors locate the parts of a single review.
type ReviewSelectors struct {
	Item   []string
	Rating []string
	Date   []string
	Status []string
	Title  []string
	Text   []string
}

// RatingSelectors locate the rating summary block.
type RatingSelectors struct {
	Overall   cascade.FieldSpec
	Total     cascade.FieldSpec
	Recommend cascade.FieldSpec
	// Bars are distribution rows; each row has a star label and a bar with
	// an inline width or a percentage text.
	Bars     []string
	BarLabel string
	BarFill  string
	Fit      []string
}

// Site holds everything site-specific: URLs, link rules and field cascades.
type Site struct {
	Name     string
	Currency string
	BaseURL  *url.URL
	// Domain is the registrable domain; subdomains are accepted.
	Domain         string
	ProductPattern *regexp.Regexp
	// TrackingParams are dropped from product URLs so a product reached
	// from different listings keeps one identity. Matched case-insensitively.
	TrackingParams []string

	ContainerSelectors     []string
	ContainerLinkSelectors []string
	LinkSelectors          []string

	Price       cascade.FieldSpec
	Title       cascade.FieldSpec
	Brand       cascade.FieldSpec
	Description cascade.FieldSpec
	Images      cascade.FieldSpec
	Details     cascade.FieldSpec
	Sizes       cascade.FieldSpec
	Colors      cascade.FieldSpec

	Ratings        RatingSelectors
	Reviews        ReviewSelectors
	ViewAllReviews []string
	Related        []Section
}

// IsSiteHost reports whether hostname (no port) belongs to the site domain.
func (s *Site) IsSiteHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == s.Domain || strings.HasSuffix(host, "."+s.Domain)
}

// NormalizeProductURL resolves raw against the base origin and reports
// whether it is a product detail URL on the site. The fragment is dropped.
func (s *Site) NormalizeProductURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "mailto:") {
		return "", false
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	abs := s.BaseURL.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if !s.IsSiteHost(abs.Hostname()) {
		return "", false
	}
	if !s.ProductPattern.MatchString(abs.Path) {
		return "", false
	}

	abs.Fragment = ""
	abs.RawFragment = ""
	abs.RawQuery = s.stripTracking(abs.Query())
	return abs.String(), true
}

func (s *Site) stripTracking(query url.Values) string {
	for key := range query {
		for _, param := range s.TrackingParams {
			if strings.EqualFold(key, param) {
				query.Del(key)
				break
			}
		}
	}
	return query.Encode()
}

// ProductID extracts the numeric product id from a product URL.
func (s *Site) ProductID(productURL string) string {
	m := s.ProductPattern.FindStringSubmatch(productURL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// ValidateURL checks that raw is an absolute http(s) URL on the site.
func (s *Site) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http url", ErrInvalidURL, raw)
	}
	if !s.IsSiteHost(u.Hostname()) {
		return nil, fmt.Errorf("%w: %q is not on %s", ErrInvalidURL, raw, s.Domain)
	}
	return u, nil
}

// CategorySlug derives a short category name from a category URL path,
// e.g. "women/dresses" from https://www.asos.com/women/dresses/cat/?cid=8799.
func CategorySlug(categoryURL string) string {
	u, err := url.Parse(categoryURL)
	if err != nil {
		return ""
	}
	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p == "" || p == "cat" || p == "ctas" {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "/")
}

// ASOS returns the site definition for asos.com.
func ASOS() *Site {
	base, _ := url.Parse("https://www.asos.com")

	return &Site{
		Name:           "ASOS",
		Currency:       "GBP",
		BaseURL:        base,
		Domain:         "asos.com",
		ProductPattern: regexp.MustCompile(`/prd/(\d+)`),
		TrackingParams: []string{"cid", "clr", "colourWayId", "ctaref", "featureref1"},

		ContainerSelectors: []string{
			`div[data-testid="product-grid"]`,
			`div[data-auto-id="product-grid"]`,
			`div[data-test-id="product-grid"]`,
			`section[data-auto-id="productList"]`,
			`div[data-testid="productList"]`,
			`div[class*="productGrid"]`,
			`div[class*="product-grid"]`,
			`div[class*="productList"]`,
			`div[class*="product-list"]`,
			`section[class*="product"]`,
			`article[data-auto-id="productTile"]`,
			`div[data-testid="product-card"]`,
			`div[data-auto-id="product-card"]`,
			`div[class*="productTile"]`,
			`div[class*="product-tile"]`,
		},
		ContainerLinkSelectors: []string{
			"a",
			`a[href*='/prd/']`,
			`[class*='product'] a`,
		},
		LinkSelectors: []string{
			`a[href*="/prd/"]`,
			`a[href*="asos.com"][href*="/prd/"]`,
			`a[class*="productLink"]`,
			`a[data-testid*="product"]`,
			`a[data-auto-id*="product"]`,
		},

		Price: cascade.FieldSpec{
			Field: "price",
			Strategies: []cascade.Strategy{
				cascade.CSS("current-price", `span[data-testid="current-price"]`),
				cascade.CSS("price-current", `[data-testid="price-current"]`),
				cascade.Within("price-block", `[data-testid="product-price"]`, `span[class*="current"]`),
				cascade.CSS("itemprop", `[itemprop="price"]`, "content"),
				cascade.CSS("og-price", `meta[property="product:price:amount"]`, "content"),
				cascade.Regex("json-current-price", `"current"\s*:\s*\{[^}]*"text"\s*:\s*"([^"]+)"`),
			},
		},
		Title: cascade.FieldSpec{
			Field: "name",
			Strategies: []cascade.Strategy{
				cascade.Within("product-hero", `[data-testid="product-hero"]`, "h1"),
				cascade.CSS("h1", "h1"),
				cascade.CSS("og-title", `meta[property="og:title"]`, "content"),
			},
		},
		Brand: cascade.FieldSpec{
			Field: "brand",
			Strategies: []cascade.Strategy{
				cascade.CSS("brand-link", `a[href*='/brand/']`),
				cascade.CSS("brand-testid", `[data-testid="brand-name"]`),
				cascade.Regex("json-brand", `"brandName"\s*:\s*"([^"]+)"`),
			},
		},
		Description: cascade.FieldSpec{
			Field: "description",
			Strategies: []cascade.Strategy{
				innerHTML("description-testid", `[data-testid="productDescription"]`),
				innerHTML("description-class", `div[class*="description"]`),
				cascade.CSS("meta-description", `meta[name="description"]`, "content"),
			},
		},
		Images: cascade.FieldSpec{
			Field: "images",
			Multi: true,
			Strategies: []cascade.Strategy{
				cascade.CSS("product-image", `[data-testid="product-image"]`, "src"),
				cascade.Within("gallery", `[data-testid="gallery"]`, "img", "src"),
				cascade.CSS("gallery-class", `[class*="gallery"] img`, "src"),
				cascade.CSS("og-image", `meta[property="og:image"]`, "content"),
			},
		},
		Details: cascade.FieldSpec{
			Field: "details",
			Multi: true,
			Strategies: []cascade.Strategy{
				cascade.Within("description-list", `[data-testid="productDescription"]`, "li"),
				cascade.Within("details-list", `div[class*="productDetails"]`, "li"),
				cascade.Within("accordion", `[data-testid="accordion-item"]`, "li"),
			},
		},
		Sizes: cascade.FieldSpec{
			Field: "sizes",
			Multi: true,
			Strategies: []cascade.Strategy{
				cascade.CSS("size-button", `[data-testid="size-button"]`),
				cascade.CSS("size-select", `select[data-testid="variant-selector"] option[value]:not([value=""])`),
				cascade.CSS("size-select-id", `select#variantSelector option[value]:not([value=""])`),
			},
		},
		Colors: cascade.FieldSpec{
			Field: "colors",
			Multi: true,
			Strategies: []cascade.Strategy{
				cascade.CSS("colour-button", `[data-testid="colour-button"]`),
				cascade.CSS("colour-label", `[data-testid="product-colour"]`),
				cascade.Within("colour-section", `[class*="colour"]`, "p"),
			},
		},

		Ratings: RatingSelectors{
			Overall: cascade.FieldSpec{
				Field: "overall_rating",
				Strategies: []cascade.Strategy{
					cascade.CSS("overall-rating", `[data-testid="overall-rating"]`),
					cascade.CSS("rating-value", `[itemprop="ratingValue"]`, "content"),
					cascade.Regex("json-rating", `"averageOverallRating"\s*:\s*([\d.]+)`),
				},
			},
			Total: cascade.FieldSpec{
				Field: "total_reviews",
				Strategies: []cascade.Strategy{
					cascade.CSS("total-reviews", `[data-testid="total-reviews"]`),
					cascade.CSS("review-count", `[itemprop="reviewCount"]`, "content"),
					cascade.Regex("json-total", `"totalReviewCount"\s*:\s*(\d+)`),
				},
			},
			Recommend: cascade.FieldSpec{
				Field: "recommend_percent",
				Strategies: []cascade.Strategy{
					cascade.CSS("percentage-recommended", `[data-testid="percentage-recommended"]`),
					cascade.Regex("json-recommend", `"percentageRecommended"\s*:\s*([\d.]+)`),
				},
			},
			Bars:     []string{`[data-testid="rating-bar"]`, `li[class*="ratingBar"]`},
			BarLabel: `[data-testid="rating-bar-label"], [class*="label"]`,
			BarFill:  `[data-testid="rating-bar-fill"], [class*="fill"]`,
			Fit:      []string{`[data-testid="fit-rating"]`, `[class*="fitRating"]`},
		},
		Reviews: ReviewSelectors{
			Item:   []string{`[data-testid="review-card"]`, `li[class*="reviewCard"]`, `article[class*="review"]`},
			Rating: []string{`[data-testid="review-rating"]`, `[class*="rating"]`},
			Date:   []string{`[data-testid="review-date"]`, "time", `[class*="date"]`},
			Status: []string{`[data-testid="review-status"]`, `[class*="verified"]`, `[class*="status"]`},
			Title:  []string{`[data-testid="review-title"]`, "h3", "h4"},
			Text:   []string{`[data-testid="review-text"]`, `[class*="reviewText"]`, "p"},
		},
		ViewAllReviews: []string{
			`[data-testid="view-all-reviews"]`,
			`a[href*="reviews"]`,
			`button[class*="viewAll"]`,
		},
		Related: []Section{
			{Name: "you_might_also_like", Container: `[data-testid="you-might-also-like"]`, Item: "a", NameSel: `[class*="title"], p`, PriceSel: `[class*="price"]`},
			{Name: "buy_the_look", Container: `[data-testid="buy-the-look"]`, Item: "a", NameSel: `[class*="title"], p`, PriceSel: `[class*="price"]`},
			{Name: "people_also_bought", Container: `[data-testid="people-also-bought"]`, Item: "a", NameSel: `[class*="title"], p`, PriceSel: `[class*="price"]`},
		},
	}
}

// innerHTML returns the inner markup of the first element matching sel, so
// that the caller can keep block structure when converting to text.
func innerHTML(name, sel string) cascade.Strategy {
	return cascade.Custom(name, func(snap *cascade.Snapshot) ([]string, error) {
		node := snap.Doc.Find(sel).First()
		if node.Length() == 0 || strings.TrimSpace(node.Text()) == "" {
			return nil, nil
		}
		html, err := node.Html()
		if err != nil {
			return nil, err
		}
		return []string{html}, nil
	})
}

// firstText returns the trimmed text of the first selector in sels that
// yields a non-empty value inside s.
func firstText(s *goquery.Selection, sels []string) string {
	for _, sel := range sels {
		text := strings.Join(strings.Fields(s.Find(sel).First().Text()), " ")
		if text != "" {
			return text
		}
	}
	return ""
}

// absoluteURLs resolves refs against pageURL, dropping unparsable values.
func absoluteURLs(pageURL string, refs []string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return refs
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := url.Parse(ref)
		if err != nil {
			continue
		}
		out = append(out, base.ResolveReference(u).String())
	}
	return out
}
