package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceMarshalJSON(t *testing.T) {
	amount := 85.0
	tests := []struct {
		name  string
		price Price
		want  string
	}{
		{"amount", Price{Amount: &amount}, `85`},
		{"raw", Price{Raw: "Price on request"}, `"Price on request"`},
		{"empty", Price{}, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.price)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestNewProductRecordEncodesEmptyCollections(t *testing.T) {
	rec := NewProductRecord("https://www.asos.com/prd/1", "ASOS", "women-dresses")
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []interface{}{}, decoded["images"])
	assert.Equal(t, []interface{}{}, decoded["all_reviews"])
	assert.Nil(t, decoded["price"])
	assert.Nil(t, decoded["name"])

	source := decoded["source"].(map[string]interface{})
	assert.Equal(t, "ASOS", source["website"])
	assert.Equal(t, "women-dresses", source["category"])
	assert.False(t, rec.Scraped())
}

func TestScraped(t *testing.T) {
	rec := NewProductRecord("u", "ASOS", "")
	rec.Price = &Price{Raw: "TBC"}
	assert.True(t, rec.Scraped())
}
