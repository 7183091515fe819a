package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/fashion-scraper/internal/models"
)

const (
	EventProductScraped = "PRODUCT_SCRAPED"
	EventProductPartial = "PRODUCT_PARTIAL"
)

// ProductRepository upserts product records and queues a change event for
// each in the same transaction.
type ProductRepository struct {
	db     *DB
	outbox *OutboxRepository
	stream string
	logger *slog.Logger
}

func NewProductRepository(db *DB, stream string, logger *slog.Logger) *ProductRepository {
	if stream == "" {
		stream = DefaultProductStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
		stream: stream,
		logger: logger.With("component", "product_repository"),
	}
}

// Save implements storage.Sink.
func (r *ProductRepository) Save(ctx context.Context, record *models.ProductRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	event, err := productEvent(record, r.stream)
	if err != nil {
		return err
	}

	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := upsertProduct(ctx, tx, record, data); err != nil {
			return err
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return err
	}

	r.logger.Debug("product stored", "url", record.URL, "event_id", event.ID)
	return nil
}

func (r *ProductRepository) Close() error { return nil }

func upsertProduct(ctx context.Context, tx pgx.Tx, record *models.ProductRecord, data []byte) error {
	var amount *float64
	var raw *string
	if record.Price != nil {
		amount = record.Price.Amount
		if record.Price.Raw != "" {
			raw = &record.Price.Raw
		}
	}

	query := `
		INSERT INTO products (
			url, product_id, name, brand, price, price_raw, currency, category,
			overall_rating, total_reviews, scraped, data, scraped_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (url) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			name = COALESCE(EXCLUDED.name, products.name),
			brand = COALESCE(EXCLUDED.brand, products.brand),
			price = EXCLUDED.price,
			price_raw = EXCLUDED.price_raw,
			currency = EXCLUDED.currency,
			category = COALESCE(NULLIF(EXCLUDED.category, ''), products.category),
			overall_rating = EXCLUDED.overall_rating,
			total_reviews = EXCLUDED.total_reviews,
			scraped = EXCLUDED.scraped,
			data = EXCLUDED.data,
			scraped_at = EXCLUDED.scraped_at,
			updated_at = NOW()`

	_, err := tx.Exec(ctx, query,
		record.URL, record.ProductID, record.Name, record.Brand, amount, raw,
		record.Currency, record.Source.Category, record.OverallRating, record.TotalReviews,
		record.Scraped(), data, record.Source.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

// productEvent builds the outbox event announcing record.
func productEvent(record *models.ProductRecord, stream string) (*OutboxEvent, error) {
	eventType := EventProductScraped
	if !record.Scraped() {
		eventType = EventProductPartial
	}

	aggregateID := record.ProductID
	if aggregateID == "" {
		aggregateID = record.URL
	}

	payload, err := json.Marshal(map[string]interface{}{
		"product_id":     record.ProductID,
		"url":            record.URL,
		"name":           record.Name,
		"brand":          record.Brand,
		"price":          record.Price,
		"currency":       record.Currency,
		"category":       record.Source.Category,
		"overall_rating": record.OverallRating,
		"total_reviews":  record.TotalReviews,
		"scraped_at":     record.Source.ScrapedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &OutboxEvent{
		AggregateType: "product",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		TargetStream:  stream,
	}, nil
}
