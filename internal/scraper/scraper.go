package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/models"
	"github.com/maltedev/fashion-scraper/internal/retry"
)

var (
	ErrInvalidURL    = errors.New("invalid product or category URL")
	ErrOffDomain     = errors.New("redirected off the site domain")
	ErrChallenge     = errors.New("bot challenge page detected")
	ErrNoProducts    = errors.New("no products found")
	ErrPriceNotFound = errors.New("price not found")
	ErrSnapshot      = errors.New("failed to snapshot page")
)

// ExtractionError describes a failed product extraction together with the
// page title and whatever fields were resolved before the failure.
type ExtractionError struct {
	URL     string
	Title   string
	Partial *models.ProductRecord
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Classify maps pipeline errors onto retry classes. Unknown errors are
// retryable.
func Classify(err error) retry.Class {
	switch {
	case err == nil:
		return retry.Retryable
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, browser.ErrSessionSetup),
		errors.Is(err, ErrChallenge),
		errors.Is(err, ErrOffDomain),
		errors.Is(err, ErrInvalidURL),
		errors.Is(err, ErrPriceNotFound):
		return retry.Fatal
	default:
		return retry.Retryable
	}
}

// ErrorLabel returns a short metrics label for err.
func ErrorLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrChallenge):
		return "challenge"
	case errors.Is(err, ErrOffDomain):
		return "off_domain"
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrNoProducts):
		return "no_products"
	case errors.Is(err, ErrPriceNotFound):
		return "price_not_found"
	case errors.Is(err, ErrSnapshot):
		return "snapshot"
	case errors.Is(err, browser.ErrSessionSetup):
		return "session_setup"
	case errors.Is(err, browser.ErrNavigation):
		return "navigation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
