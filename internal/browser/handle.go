package browser

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrSessionSetup is returned when the browser or driver cannot be started.
	ErrSessionSetup = errors.New("browser session setup failed")
	// ErrNavigation is returned when a page could not be loaded.
	ErrNavigation = errors.New("navigation failed")
)

// Handle is a page bound to one loaded URL. It is owned by the call that
// loaded it and must be closed by that call.
type Handle interface {
	// URL is the current URL after redirects.
	URL() string
	Title() string
	// Content returns the serialized DOM as it is right now.
	Content() (string, error)
	// Text returns the rendered body text.
	Text() (string, error)
	// WaitForReady reports whether the document settled within timeout.
	WaitForReady(timeout time.Duration) bool
	Count(selector string) (int, error)
	// Hrefs returns resolved href values of elements matching selector,
	// searched inside every element matching scope (whole document when
	// scope is empty).
	Hrefs(scope, selector string) ([]string, error)
	ScrollTo(y int) error
	// Click clicks the first element matching selector. It reports false
	// when nothing matched.
	Click(selector string) (bool, error)
	Close() error
}

// Fetcher loads URLs into handles.
type Fetcher interface {
	Load(ctx context.Context, url string) (Handle, error)
}

// ChallengePhrases are lower-case fragments of known bot-challenge pages.
var ChallengePhrases = []string{
	"unusual traffic",
	"verify you are human",
	"are you a robot",
	"access denied",
	"press & hold",
}

// DetectChallenge reports whether the page looks like a bot challenge.
func DetectChallenge(h Handle) bool {
	title := strings.ToLower(h.Title())
	for _, phrase := range ChallengePhrases {
		if strings.Contains(title, phrase) {
			return true
		}
	}

	text, err := h.Text()
	if err != nil {
		return false
	}
	return ContainsChallenge(text)
}

// ContainsChallenge scans text for challenge phrases.
func ContainsChallenge(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range ChallengePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
