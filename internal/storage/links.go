package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	LinkPending    = "pending"
	LinkProcessing = "processing"
	LinkCompleted  = "completed"
	LinkFailed     = "failed"
)

type ProductLink struct {
	URL       string    `json:"url"`
	ProductID string    `json:"product_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	Status    string    `json:"status"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// LinkLedger persists collected product links and their extraction status
// to a JSON file. Every mutation rewrites the file atomically.
type LinkLedger struct {
	mu       sync.RWMutex
	links    map[string]*ProductLink
	filename string
}

func NewLinkLedger(filename string) (*LinkLedger, error) {
	l := &LinkLedger{
		links:    make(map[string]*ProductLink),
		filename: filename,
	}

	if err := l.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return l, nil
}

// AddBatch records links as pending. Links already in the ledger keep
// their status.
func (l *LinkLedger) AddBatch(category string, links []ProductLink) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	added := 0
	for _, link := range links {
		if link.URL == "" {
			continue
		}
		if _, exists := l.links[link.URL]; exists {
			continue
		}
		link.Category = category
		link.Status = LinkPending
		link.AddedAt = now
		link.UpdatedAt = now
		l.links[link.URL] = &link
		added++
	}

	return added, l.save()
}

func (l *LinkLedger) Get(url string) (ProductLink, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	link, exists := l.links[url]
	if !exists {
		return ProductLink{}, false
	}
	return *link, true
}

// Pending returns pending links ordered by the time they were added.
func (l *LinkLedger) Pending() []ProductLink {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var pending []ProductLink
	for _, link := range l.links {
		if link.Status == LinkPending {
			pending = append(pending, *link)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].AddedAt.Equal(pending[j].AddedAt) {
			return pending[i].URL < pending[j].URL
		}
		return pending[i].AddedAt.Before(pending[j].AddedAt)
	})
	return pending
}

func (l *LinkLedger) UpdateStatus(url, status, errorMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	link, exists := l.links[url]
	if !exists {
		return fmt.Errorf("link not found: %s", url)
	}

	link.Status = status
	link.UpdatedAt = time.Now()
	link.Error = errorMsg

	return l.save()
}

func (l *LinkLedger) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]int)
	for _, link := range l.links {
		stats[link.Status]++
	}
	stats["total"] = len(l.links)
	return stats
}

func (l *LinkLedger) save() error {
	data, err := json.MarshalIndent(l.links, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(l.filename, data)
}

func (l *LinkLedger) Load() error {
	data, err := os.ReadFile(l.filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &l.links)
}
