// Package fridge models the pantry/refrigerator inventory ("supply depot"):
// items with photos, expiry classification and inventory statistics.
package fridge

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gunshikin/kanri/internal/records"
)

// Table is the backend table (or collection) name.
const Table = "fridge_items"

// DefaultExpiringWithinDays is the window in which an item counts as
// expiring soon.
const DefaultExpiringWithinDays = 3

// Item is one inventory entry.
type Item struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Category     string  `json:"category,omitempty"`
	Location     string  `json:"location,omitempty"`
	Quantity     float64 `json:"quantity,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	PurchaseDate string  `json:"purchase_date,omitempty"`
	ExpiryDate   string  `json:"expiry_date,omitempty"`
	Notes        string  `json:"notes,omitempty"`
	Consumed     bool    `json:"consumed"`
	ConsumedAt   string  `json:"consumed_at,omitempty"`
	AddedDate    string  `json:"added_date"`
	Image        string  `json:"image,omitempty"` // JSON array of blob paths
	IsUrgent     bool    `json:"is_urgent"`
	CreatedAt    string  `json:"created_at,omitempty"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
}

func (i Item) EntityID() string { return i.ID }

// Validate checks an item before it is stored.
func (i Item) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("%w: name is required", records.ErrInvalidEntity)
	}
	if i.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", records.ErrInvalidEntity)
	}
	for field, v := range map[string]string{"purchase_date": i.PurchaseDate, "expiry_date": i.ExpiryDate} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, v); err != nil {
			return fmt.Errorf("%w: %s %q is not YYYY-MM-DD", records.ErrInvalidEntity, field, v)
		}
	}
	return nil
}

// WithDefaults stamps the added date of a new item.
func (i Item) WithDefaults(now time.Time) Item {
	if i.AddedDate == "" {
		i.AddedDate = now.Format(time.DateOnly)
	}
	return i
}

// ImagePaths decodes the image field. Legacy rows hold a single path.
func (i Item) ImagePaths() []string {
	raw := strings.TrimSpace(i.Image)
	if raw == "" {
		return nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err == nil {
		return paths
	}
	return []string{raw}
}

// EncodePaths renders blob paths for the image/receipt fields.
func EncodePaths(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	raw, _ := json.Marshal(paths)
	return string(raw)
}

// ============================================================================
// EXPIRY
// ============================================================================

// Status classifies an item's shelf life.
type Status string

const (
	StatusConsumed Status = "consumed"
	StatusNone     Status = "none"
	StatusExpired  Status = "expired"
	StatusToday    Status = "today"
	StatusExpiring Status = "expiring"
	StatusFresh    Status = "fresh"
)

// Expiry is the classification of one item at a point in time.
type Expiry struct {
	Status   Status `json:"status"`
	DaysLeft int    `json:"days_left"` // negative once expired
}

// Classifier turns expiry dates into statuses.
type Classifier struct {
	ExpiringWithinDays int
	Location           *time.Location
}

// NewClassifier creates a classifier with the given warning window.
func NewClassifier(expiringWithinDays int) Classifier {
	if expiringWithinDays <= 0 {
		expiringWithinDays = DefaultExpiringWithinDays
	}
	return Classifier{ExpiringWithinDays: expiringWithinDays, Location: time.Local}
}

// Classify rates item as of now. Days left are ceil((expiry - now) / 24h),
// with the expiry date taken as midnight in the classifier's location.
// Unparseable dates are treated as no expiry date.
func (c Classifier) Classify(item Item, now time.Time) Expiry {
	if item.Consumed {
		return Expiry{Status: StatusConsumed}
	}
	days, ok := c.DaysLeft(item.ExpiryDate, now)
	if !ok {
		return Expiry{Status: StatusNone}
	}

	window := c.ExpiringWithinDays
	if window <= 0 {
		window = DefaultExpiringWithinDays
	}
	switch {
	case days < 0:
		return Expiry{Status: StatusExpired, DaysLeft: days}
	case days == 0:
		return Expiry{Status: StatusToday}
	case days <= window:
		return Expiry{Status: StatusExpiring, DaysLeft: days}
	default:
		return Expiry{Status: StatusFresh, DaysLeft: days}
	}
}

// DaysLeft returns the day count until date (YYYY-MM-DD) as of now.
func (c Classifier) DaysLeft(date string, now time.Time) (int, bool) {
	if date == "" {
		return 0, false
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	expiry, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return 0, false
	}
	return int(math.Ceil(expiry.Sub(now).Hours() / 24)), true
}

// ============================================================================
// STATS
// ============================================================================

// Stats summarises an inventory.
type Stats struct {
	Total         int            `json:"total"` // active (not consumed)
	Consumed      int            `json:"consumed"`
	Expired       int            `json:"expired"`
	Expiring      int            `json:"expiring"` // due today or within the window
	Urgent        int            `json:"urgent"`
	ByCategory    map[string]int `json:"by_category"`
	ByLocation    map[string]int `json:"by_location"`
	WithImages    int            `json:"with_images"`
	ImageRate     int            `json:"image_rate"` // percent of all items, rounded
	TotalWithUsed int            `json:"total_with_consumed"`
}

// OtherLabel groups items without a category or location.
const OtherLabel = "other"

// ComputeStats summarises items as of now.
func (c Classifier) ComputeStats(items []Item, now time.Time) Stats {
	s := Stats{
		TotalWithUsed: len(items),
		ByCategory:    map[string]int{},
		ByLocation:    map[string]int{},
	}
	for _, it := range items {
		if it.Image != "" {
			s.WithImages++
		}
		if it.Consumed {
			s.Consumed++
			continue
		}
		s.Total++

		switch c.Classify(it, now).Status {
		case StatusExpired:
			s.Expired++
		case StatusToday, StatusExpiring:
			s.Expiring++
		}

		s.ByCategory[labelOr(it.Category)]++
		s.ByLocation[labelOr(it.Location)]++
	}
	s.Urgent = s.Expired + s.Expiring
	if len(items) > 0 {
		s.ImageRate = int(math.Round(float64(s.WithImages) * 100 / float64(len(items))))
	}
	return s
}

func labelOr(s string) string {
	if s == "" {
		return OtherLabel
	}
	return s
}

// Annotated pairs an item with its expiry classification.
type Annotated struct {
	Item
	Expiry Expiry `json:"expiry"`
}

// Annotate classifies every item.
func (c Classifier) Annotate(items []Item, now time.Time) []Annotated {
	out := make([]Annotated, 0, len(items))
	for _, it := range items {
		out = append(out, Annotated{Item: it, Expiry: c.Classify(it, now)})
	}
	return out
}

// Consume returns a copy of item marked consumed at now.
func Consume(item Item, now time.Time) Item {
	item.Consumed = true
	item.ConsumedAt = now.UTC().Format(time.RFC3339)
	return item
}
