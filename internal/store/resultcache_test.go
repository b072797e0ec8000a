package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pipewatch/pkg/models"
)

func TestResultCachePutGet(t *testing.T) {
	cache := NewResultCache(15 * time.Minute)
	result := &models.AnalysisResult{Summary: "broken build", ProviderUsed: "openai"}

	cache.Put("req-1", result)
	got := cache.Get("req-1")
	assert.Equal(t, result, got)
	assert.Nil(t, cache.Get("req-2"))
}

func TestResultCacheExpiry(t *testing.T) {
	cache := NewResultCache(15 * time.Minute)
	current := time.Now()
	cache.now = func() time.Time { return current }

	cache.Put("req-1", &models.AnalysisResult{Summary: "broken build"})

	current = current.Add(14 * time.Minute)
	assert.NotNil(t, cache.Get("req-1"))

	current = current.Add(2 * time.Minute)
	assert.Nil(t, cache.Get("req-1"))

	// The expired entry was evicted, not just hidden.
	assert.Equal(t, 0, cache.Len())
}

func TestResultCacheLenEvictsExpired(t *testing.T) {
	cache := NewResultCache(time.Minute)
	current := time.Now()
	cache.now = func() time.Time { return current }

	cache.Put("a", &models.AnalysisResult{Summary: "x"})
	cache.Put("b", &models.AnalysisResult{Summary: "y"})
	assert.Equal(t, 2, cache.Len())

	current = current.Add(2 * time.Minute)
	cache.Put("c", &models.AnalysisResult{Summary: "z"})
	assert.Equal(t, 1, cache.Len())
}
