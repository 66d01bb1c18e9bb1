package receipt

import (
	"log"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// LineItem is one extracted receipt entry: a cleaned name paired with a
// normalized, locale-independent price.
type LineItem struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// MaxItemPrice is the sanity ceiling for a single line item. Anything at or
// above it is assumed to be a misparse (a date or phone number swallowed as
// a price) and rejected.
const MaxItemPrice = 10000

// itemRE matches "<name><price>" where the price is a trailing currency-shaped
// token: 1-3 leading digits, optional thousands groups (space, dot or comma +
// 3 digits), and a mandatory 2-digit cents component. The name capture is lazy
// so the price token is as long as possible. Whitespace between name and price
// is optional: OCR'd dot leaders ("Burger........10.00") leave none.
var itemRE = regexp.MustCompile(`^(.+?)\s*([0-9]{1,3}(?:[\s.,][0-9]{3})*[.,][0-9]{2})\s*$`)

// trailingNoiseRE strips runs of leader/separator punctuation left at the end
// of a name after the price is cut off.
var trailingNoiseRE = regexp.MustCompile(`[-.|_—]+$`)

// skipWords marks structural receipt lines (totals, payment, timestamps) that
// must never become items, even when a price-shaped number sits next to them.
var skipWords = []string{"total", "subtotal", "change", "cash", "visa", "mastercard", "date", "time", "tax"}

// ExtractLineItems classifies each line of OCR text and returns the accepted
// items in input order. Rejected lines are skipped silently; an empty result
// is valid and only logged for observability. The function is pure given its
// input text, so repeated calls yield identical results.
func ExtractLineItems(text string) []LineItem {
	var items []LineItem
	for _, raw := range strings.Split(text, "\n") {
		if item, ok := parseLine(raw); ok {
			items = append(items, item)
		}
	}
	if len(items) == 0 && strings.TrimSpace(text) != "" {
		log.Printf("receipt: no line items matched; text snippet=%q", snippet(text, 140))
	}
	return items
}

// parseLine evaluates a single candidate line. Decisions are strictly local:
// no state is carried between lines.
func parseLine(raw string) (LineItem, bool) {
	line := strings.TrimSpace(raw)
	if len(line) < 5 { // too short for a name plus a valid price
		return LineItem{}, false
	}
	low := strings.ToLower(line)
	for _, w := range skipWords {
		if strings.Contains(low, w) {
			return LineItem{}, false
		}
	}
	m := itemRE.FindStringSubmatch(line)
	if m == nil {
		return LineItem{}, false
	}
	name := cleanName(m[1])
	price, err := normalizePrice(m[2])
	if err != nil {
		return LineItem{}, false
	}
	if utf8.RuneCountInString(name) <= 1 {
		return LineItem{}, false
	}
	if price <= 0 || price >= MaxItemPrice {
		return LineItem{}, false
	}
	return LineItem{Name: name, Price: price}, true
}

// cleanName strips trailing leader noise and any character OCR tends to
// hallucinate, keeping letters, digits, whitespace and %&()- which appear in
// legitimate item names.
func cleanName(s string) string {
	s = strings.TrimSpace(s)
	s = trailingNoiseRE.ReplaceAllString(s, "")
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || strings.ContainsRune("%&()-", r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// normalizePrice converts a matched price token into a float. The decimal
// separator is decided by position, not symbol: whichever of ',' or '.'
// occurs last is the decimal point, the other is grouping ("1.234,56" and
// "1,234.56" both yield 1234.56).
func normalizePrice(tok string) (float64, error) {
	tok = strings.Join(strings.Fields(tok), "")
	lastDot := strings.LastIndex(tok, ".")
	lastComma := strings.LastIndex(tok, ",")
	if lastComma > lastDot {
		tok = strings.ReplaceAll(tok, ".", "")
		i := strings.LastIndex(tok, ",")
		tok = strings.ReplaceAll(tok[:i], ",", "") + "." + tok[i+1:]
	} else {
		tok = strings.ReplaceAll(tok, ",", "")
	}
	return strconv.ParseFloat(tok, 64)
}
