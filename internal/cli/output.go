package cli

import (
	"encoding/json"
	"io"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// printer groups digits the Japanese way (1,234,567).
var printer = message.NewPrinter(language.Japanese)

// yen formats an amount as whole yen with digit grouping.
func yen(d decimal.Decimal) string {
	n := d.Round(0).IntPart()
	if n < 0 {
		return "-" + printer.Sprintf("¥%d", -n)
	}
	return printer.Sprintf("¥%d", n)
}

// render writes data as indented JSON, or calls text for the text format.
func render(w io.Writer, format string, data interface{}, text func(io.Writer) error) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	return text(w)
}
