// Package expense models the household ledger: income and expense entries
// with receipt photos, and the monthly report derived from them.
package expense

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gunshikin/kanri/internal/records"
)

// Table is the backend table (or collection) name.
const Table = "expenses"

// Kind separates income from spending.
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

// Expense is one ledger entry.
type Expense struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Amount          decimal.Decimal `json:"amount"`
	Category        string          `json:"category,omitempty"`
	Type            Kind            `json:"type"`
	Date            string          `json:"date"` // YYYY-MM-DD
	PaidBy          string          `json:"paid_by"`
	Settled         bool            `json:"settled"`
	SettlementMonth string          `json:"settlement_month,omitempty"`
	Comment         string          `json:"comment,omitempty"`
	Receipt         string          `json:"receipt,omitempty"` // JSON array of blob paths
	CreatedAt       string          `json:"created_at,omitempty"`
	UpdatedAt       string          `json:"updated_at,omitempty"`
}

func (e Expense) EntityID() string { return e.ID }

// Validate checks an entry before it is stored.
func (e Expense) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: title is required", records.ErrInvalidEntity)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", records.ErrInvalidEntity)
	}
	switch e.Type {
	case "", KindIncome, KindExpense:
	default:
		return fmt.Errorf("%w: unknown type %q", records.ErrInvalidEntity, e.Type)
	}
	if _, err := time.Parse(time.DateOnly, e.Date); err != nil {
		return fmt.Errorf("%w: date %q is not YYYY-MM-DD", records.ErrInvalidEntity, e.Date)
	}
	return nil
}

// WithDefaults fills the fields a new entry needs.
func (e Expense) WithDefaults() Expense {
	if e.Type == "" {
		e.Type = KindExpense
	}
	return e
}

// ReceiptPaths decodes the receipt field. Legacy rows hold a single path.
func (e Expense) ReceiptPaths() []string {
	return decodePaths(e.Receipt)
}

func decodePaths(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err == nil {
		return paths
	}
	return []string{raw}
}

// ============================================================================
// MONTHLY REPORT
// ============================================================================

// Total is an amount attributed to a label (payer or category).
type Total struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// Report summarises one month of entries.
type Report struct {
	Month         string          `json:"month"` // YYYY-MM
	Income        decimal.Decimal `json:"income"`
	Expense       decimal.Decimal `json:"expense"`
	Balance       decimal.Decimal `json:"balance"`
	Unsettled     decimal.Decimal `json:"unsettled"`
	Entries       int             `json:"entries"`
	ByPayer       []Total         `json:"by_payer"`
	TopCategories []Total         `json:"top_categories"`
}

// TopCategoryCount bounds Report.TopCategories.
const TopCategoryCount = 5

// UncategorizedLabel is used for spending without a category.
const UncategorizedLabel = "other"

// MonthlyReport aggregates the entries dated within month (YYYY-MM).
func MonthlyReport(entries []Expense, month string) Report {
	r := Report{
		Month:     month,
		Income:    decimal.Zero,
		Expense:   decimal.Zero,
		Unsettled: decimal.Zero,
	}
	payers := map[string]decimal.Decimal{}
	categories := map[string]decimal.Decimal{}

	for _, e := range entries {
		if !strings.HasPrefix(e.Date, month) {
			continue
		}
		r.Entries++
		switch e.Type {
		case KindIncome:
			r.Income = r.Income.Add(e.Amount)
		case KindExpense:
			r.Expense = r.Expense.Add(e.Amount)
			payers[e.PaidBy] = payers[e.PaidBy].Add(e.Amount)
			cat := e.Category
			if cat == "" {
				cat = UncategorizedLabel
			}
			categories[cat] = categories[cat].Add(e.Amount)
			if !e.Settled {
				r.Unsettled = r.Unsettled.Add(e.Amount)
			}
		}
	}

	r.Balance = r.Income.Sub(r.Expense)
	r.ByPayer = sortedTotals(payers)
	r.TopCategories = sortedTotals(categories)
	if len(r.TopCategories) > TopCategoryCount {
		r.TopCategories = r.TopCategories[:TopCategoryCount]
	}
	return r
}

// sortedTotals orders totals by amount descending, then name.
func sortedTotals(m map[string]decimal.Decimal) []Total {
	out := make([]Total, 0, len(m))
	for name, amount := range m {
		out = append(out, Total{Name: name, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}
