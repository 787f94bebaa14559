package engine

import (
	"fmt"
	"strings"
)

// maxPreflightHistory disables the preflight search once a conversation is
// established: by then the model has enough context to decide on its own
// whether to call the search tool.
const maxPreflightHistory = 4

// Product noun stems, Georgian first. Stems rather than full words so that
// case endings match ("პროტეინი", "პროტეინის", "პროტეინზე").
var productStems = []string{
	"პროტეინ",
	"კრეატინ",
	"გეინერ",
	"ვიტამინ",
	"კოლაგენ",
	"ამინომჟავ",
	"ომეგა",
	"მაგნიუმ",
	"ცინკ",
	"bcaa",
	"protein",
	"creatine",
	"gainer",
	"collagen",
	"pre-workout",
	"პრე-ვორქაუთ",
}

// Intent signals: the user wants to buy, get, or be recommended something.
var intentMarkers = []string{
	"მინდა",
	"მჭირდება",
	"მირჩიე",
	"მირჩევ",
	"გირჩევ",
	"მომიძებნ",
	"მოძებნ",
	"ვიყიდო",
	"ვიყიდი",
	"საუკეთესო",
	"ჯობია",
	"რომელი",
	"როგორი",
	"გაქვთ",
	"გაქვს",
	"რა ღირს",
}

// Negative markers veto the preflight: the user is talking about a past
// purchase or a complaint, not shopping.
var negativeMarkers = []string{
	"ვიყიდე",
	"ვცადე",
	"ვსვამდი",
	"ცუდი",
	"არ მომეწონა",
	"დაბრუნება",
	"დავაბრუნო",
	"უკვე მაქვს",
}

// DetectProductQuery decides whether to run the product search before the
// model sees the message. Returns the matched product stem for the search
// query. Requires both a product noun and purchase intent; a bare noun is
// not enough, and negative markers always win.
func DetectProductQuery(message string, historyLen int) (bool, string) {
	if historyLen > maxPreflightHistory {
		return false, ""
	}

	lower := strings.ToLower(message)

	for _, marker := range negativeMarkers {
		if strings.Contains(lower, marker) {
			return false, ""
		}
	}

	keyword := ""
	for _, stem := range productStems {
		if strings.Contains(lower, stem) {
			keyword = stem
			break
		}
	}
	if keyword == "" {
		return false, ""
	}

	for _, marker := range intentMarkers {
		if strings.Contains(lower, marker) {
			return true, keyword
		}
	}
	if strings.Contains(lower, "?") {
		return true, keyword
	}
	return false, ""
}

// FormatProductsForInjection renders search results as a numbered list for
// the system instruction, e.g. "1. Whey Protein - 89₾ (ON)".
func FormatProductsForInjection(products []map[string]any) string {
	var b strings.Builder
	n := 0
	for _, p := range products {
		name := stringField(p, "name")
		if name == "" {
			name = stringField(p, "name_ka")
		}
		if name == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		n++
		fmt.Fprintf(&b, "%d. %s", n, name)
		if price, ok := numberField(p, "price"); ok {
			fmt.Fprintf(&b, " - %s₾", trimZeros(price))
		}
		if brand := stringField(p, "brand"); brand != "" {
			fmt.Fprintf(&b, " (%s)", brand)
		}
	}
	return b.String()
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

func numberField(p map[string]any, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func trimZeros(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
