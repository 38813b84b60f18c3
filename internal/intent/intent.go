// Package intent sorts a visitor utterance into a coarse intent with a
// data-driven keyword rule table. It never fails: unrecognized or empty
// input falls through to low-confidence qa.
package intent

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Intent labels.
type Intent string

const (
	QA        Intent = "qa"
	Guide     Intent = "guide"
	Direction Intent = "direction"
	Chitchat  Intent = "chitchat"
	Complaint Intent = "complaint"
)

// Result is the outcome of Classify.
type Result struct {
	Intent     Intent   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords,omitempty"`
	Reason     string   `json:"reason"`
}

// Rule maps keyword hits to an intent. Base is the confidence for a
// single hit; each further hit adds hitBonus.
type Rule struct {
	Intent   Intent
	Base     float64
	Keywords []string
}

const (
	hitBonus      = 0.03
	maxConfidence = 0.99

	greetingConfidence     = 0.95
	interjectionConfidence = 0.3
	fallbackConfidence     = 0.4

	// greetingMaxRunes is the longest utterance still treated as a bare
	// greeting.
	greetingMaxRunes = 6
)

// DefaultRules is evaluated in order; the order breaks ties.
var DefaultRules = []Rule{
	{Intent: Complaint, Base: 0.85, Keywords: []string{"投诉", "不满意", "太差", "差评", "生气", "垃圾"}},
	{Intent: Direction, Base: 0.8, Keywords: []string{"在哪", "怎么走", "怎么去", "洗手间", "厕所", "卫生间", "出口", "电梯", "位置"}},
	{Intent: Guide, Base: 0.75, Keywords: []string{"介绍", "讲解", "讲一下", "展品", "展厅", "参观", "导览", "这是什么"}},
	{Intent: Chitchat, Base: 0.7, Keywords: []string{"你好", "您好", "嗨", "hello", "hi", "谢谢", "再见", "你是谁", "天气"}},
}

// DefaultGreetings force chitchat when they make up a short utterance.
var DefaultGreetings = []string{"你好", "您好", "嗨", "hello", "hi", "哈喽", "早上好", "下午好", "晚上好"}

// Classifier applies an ordered rule table.
type Classifier struct {
	rules     []Rule
	greetings []string
}

// New returns a Classifier over DefaultRules and DefaultGreetings.
func New() *Classifier {
	return NewWithRules(DefaultRules, DefaultGreetings)
}

// NewWithRules returns a Classifier over custom tables. Keywords are
// matched case-insensitively.
func NewWithRules(rules []Rule, greetings []string) *Classifier {
	c := &Classifier{}
	for _, r := range rules {
		kw := make([]string, len(r.Keywords))
		for i, k := range r.Keywords {
			kw[i] = strings.ToLower(k)
		}
		c.rules = append(c.rules, Rule{Intent: r.Intent, Base: r.Base, Keywords: kw})
	}
	for _, g := range greetings {
		c.greetings = append(c.greetings, strings.ToLower(g))
	}
	return c
}

// Classify returns the best intent for text.
func (c *Classifier) Classify(text string) Result {
	q := strings.ToLower(strings.TrimSpace(text))
	bare := stripPunct(q)

	if bare == "" {
		return Result{Intent: QA, Confidence: fallbackConfidence, Reason: "empty"}
	}
	if n := utf8.RuneCountInString(bare); n <= greetingMaxRunes {
		for _, g := range c.greetings {
			if matchKeyword(bare, g) {
				return Result{Intent: Chitchat, Confidence: greetingConfidence, Keywords: []string{g}, Reason: "greeting"}
			}
		}
	}

	best := -1
	var bestHits []string
	for i, r := range c.rules {
		var hits []string
		for _, k := range r.Keywords {
			if matchKeyword(q, k) {
				hits = append(hits, k)
			}
		}
		if len(hits) > len(bestHits) {
			best, bestHits = i, hits
		}
	}
	if best >= 0 {
		r := c.rules[best]
		conf := min(r.Base+hitBonus*float64(len(bestHits)-1), maxConfidence)
		return Result{Intent: r.Intent, Confidence: conf, Keywords: bestHits, Reason: "keyword"}
	}

	if utf8.RuneCountInString(bare) == 1 {
		return Result{Intent: Chitchat, Confidence: interjectionConfidence, Reason: "interjection"}
	}
	return Result{Intent: QA, Confidence: fallbackConfidence, Reason: "default"}
}

// matchKeyword matches ASCII keywords on word boundaries so "hi" does
// not fire inside "this"; other keywords match as substrings.
func matchKeyword(q, k string) bool {
	if !isASCII(k) {
		return strings.Contains(q, k)
	}
	for from := 0; ; {
		i := strings.Index(q[from:], k)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(k)
		if !isWordByte(q, start-1) && !isWordByte(q, end) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return false
	}
	b := s[i]
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func stripPunct(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, s)
}
