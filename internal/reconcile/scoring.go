package reconcile

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ScoreBreakdown records the points each rubric factor contributed
type ScoreBreakdown struct {
	Amount         float64  `json:"amount"`
	Name           float64  `json:"name"`
	Date           float64  `json:"date"`
	Description    float64  `json:"description"`
	NameSimilarity float64  `json:"name_similarity"`
	DaysApart      int      `json:"days_apart"`
	SharedKeywords []string `json:"shared_keywords,omitempty"`
}

// MatchCandidate is a scored (transaction, expense) pair
type MatchCandidate struct {
	Transaction *Transaction   `json:"transaction"`
	Expense     *Expense       `json:"expense"`
	Confidence  float64        `json:"confidence"`
	Reason      string         `json:"reason"`
	Breakdown   ScoreBreakdown `json:"breakdown"`
}

// Scorer applies the rubric to a single pair. It is pure.
type Scorer struct {
	rules     Rules
	tolerance decimal.Decimal
}

// NewScorer creates a Scorer for rules; unusable rules are replaced by the defaults
func NewScorer(rules Rules) *Scorer {
	rules = rules.orDefault()
	return &Scorer{
		rules:     rules,
		tolerance: decimal.NewFromFloat(rules.AmountTolerance),
	}
}

// Score rates how likely t pays e. The amount is mandatory: any other
// factor only counts once |t.Amount| equals e.Amount within tolerance.
func (s *Scorer) Score(t *Transaction, e *Expense) MatchCandidate {
	c := MatchCandidate{Transaction: t, Expense: e}

	paid := t.Amount.Abs()
	if paid.Sub(e.Amount).Abs().GreaterThan(s.tolerance) {
		c.Reason = fmt.Sprintf("amount differs (%s vs %s)", paid.StringFixed(2), e.Amount.StringFixed(2))
		return c
	}

	b := &c.Breakdown
	b.Amount = s.rules.AmountWeight
	reasons := []string{fmt.Sprintf("amount %s matches", e.Amount.StringFixed(2))}

	b.NameSimilarity = nameSimilarity(t.CounterpartyName, e.RequestedBy.Name)
	b.Name = s.rules.NameWeight * b.NameSimilarity
	if b.NameSimilarity > 0 {
		reasons = append(reasons, fmt.Sprintf("name %.0f%% similar", b.NameSimilarity*100))
	}

	if days, ok := daysApart(t.ExecutionDate, e.RequestedDate); ok {
		b.DaysApart = days
		window := float64(s.rules.DateWindowDays)
		if float64(days) <= window {
			b.Date = s.rules.DateWeight * (1 - float64(days)/window)
			reasons = append(reasons, fmt.Sprintf("%d days apart", days))
		}
	}

	shared, ratio := keywordOverlap(t.Communication, e.Description+" "+e.Category)
	if len(shared) > 0 {
		b.SharedKeywords = shared
		b.Description = s.rules.DescriptionWeight * ratio
		reasons = append(reasons, "shared keywords: "+strings.Join(shared, " "))
	}

	total := b.Amount + b.Name + b.Date + b.Description
	c.Confidence = math.Round(10000*total/s.rules.totalWeight()) / 100
	c.Reason = strings.Join(reasons, ", ")
	return c
}

// daysApart counts calendar days between two dates; false when either is unset
func daysApart(a, b time.Time) (int, bool) {
	if a.IsZero() || b.IsZero() {
		return 0, false
	}
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(math.Round(da.Sub(db).Hours() / 24))
	if days < 0 {
		days = -days
	}
	return days, true
}

// foldText lowercases, strips accents and splits on anything not a letter or digit
func foldText(s string) []string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	return strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// nameTitles are dropped from names; banks prefix them inconsistently
var nameTitles = map[string]bool{
	"m": true, "mr": true, "mme": true, "mlle": true, "mrs": true, "ms": true,
	"dr": true, "monsieur": true, "madame": true, "mevrouw": true, "dhr": true,
}

func nameTokens(name string) []string {
	var tokens []string
	for _, tok := range foldText(name) {
		if len(tok) < 2 || nameTitles[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

var tokenDistance = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// tokenSimilarity gives 1 for equal tokens, partial credit for containment
// and small typos, and 0 otherwise
func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) >= 3 && len(b) >= 3 && (strings.Contains(a, b) || strings.Contains(b, a)) {
		return 0.8
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	ratio := 1 - float64(levenshtein.DistanceForStrings(ra, rb, tokenDistance))/float64(longest)
	if ratio < 0.75 {
		return 0
	}
	return ratio * 0.9
}

// nameSimilarity compares a bank counterparty with a requester name, ignoring
// token order ("DUPONT JEAN" and "Jean Dupont" are identical). Result in [0,1].
func nameSimilarity(counterparty, requester string) float64 {
	req := nameTokens(requester)
	cp := nameTokens(counterparty)
	if len(req) == 0 || len(cp) == 0 {
		return 0
	}

	total := 0.0
	for _, r := range req {
		best := 0.0
		for _, c := range cp {
			if s := tokenSimilarity(r, c); s > best {
				best = s
			}
		}
		total += best
	}
	score := total / float64(len(req))

	// banks sometimes glue names together: "JEANDUPONT"
	joinedReq := strings.Join(req, "")
	if len(joinedReq) >= 4 && strings.Contains(strings.Join(cp, ""), joinedReq) && score < 0.9 {
		score = 0.9
	}
	return score
}

// keywordStopwords carry no signal in payment communications
var keywordStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"les": true, "des": true, "une": true, "pour": true, "avec": true, "par": true, "sur": true, "aux": true,
	"van": true, "het": true, "een": true, "voor": true,
	"remboursement": true, "rembourse": true, "refund": true, "reimbursement": true,
	"frais": true, "note": true, "expense": true, "terugbetaling": true,
}

func keywords(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range foldText(text) {
		if len([]rune(tok)) < 3 || keywordStopwords[tok] {
			continue
		}
		set[tok] = true
	}
	return set
}

// keywordOverlap returns the shared keywords and their share of the smaller set
func keywordOverlap(a, b string) ([]string, float64) {
	ka, kb := keywords(a), keywords(b)
	if len(ka) == 0 || len(kb) == 0 {
		return nil, 0
	}
	var shared []string
	for k := range ka {
		if kb[k] {
			shared = append(shared, k)
		}
	}
	if len(shared) == 0 {
		return nil, 0
	}
	sort.Strings(shared)

	smaller := len(ka)
	if len(kb) < smaller {
		smaller = len(kb)
	}
	ratio := float64(len(shared)) / float64(smaller)
	if ratio > 1 {
		ratio = 1
	}
	return shared, ratio
}
