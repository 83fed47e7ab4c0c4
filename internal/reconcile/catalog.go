package reconcile

import (
	"fmt"
	"sync"
)

// CatalogCache keeps each club's categories in memory. Entries load on first
// use and stay until Reload, Invalidate or Clear.
type CatalogCache struct {
	db DB

	mu      sync.RWMutex
	entries map[string][]Category
}

// NewCatalogCache creates an empty cache reading from db
func NewCatalogCache(db DB) *CatalogCache {
	return &CatalogCache{db: db, entries: make(map[string][]Category)}
}

// Categories returns the club's catalog, loading it if needed
func (c *CatalogCache) Categories(clubID string) ([]Category, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	c.mu.RLock()
	cached, ok := c.entries[clubID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return c.Reload(clubID)
}

// Reload reads the club's catalog from the database and replaces the cached copy
func (c *CatalogCache) Reload(clubID string) ([]Category, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	categories, err := c.db.ListCategories(clubID)
	if err != nil {
		return nil, fmt.Errorf("loading categories: %w", err)
	}

	c.mu.Lock()
	c.entries[clubID] = categories
	c.mu.Unlock()
	return categories, nil
}

// Invalidate drops one club; the next read reloads it
func (c *CatalogCache) Invalidate(clubID string) {
	c.mu.Lock()
	delete(c.entries, clubID)
	c.mu.Unlock()
}

// Clear drops every club
func (c *CatalogCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string][]Category)
	c.mu.Unlock()
}

// AccountCode returns the account code of a category, or "" when unknown
func (c *CatalogCache) AccountCode(clubID, categoryCode string) (string, error) {
	categories, err := c.Categories(clubID)
	if err != nil {
		return "", err
	}
	for _, cat := range categories {
		if cat.Code == categoryCode {
			return cat.AccountCode, nil
		}
	}
	return "", nil
}
