package tour

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Action is a tour-control verb.
type Action string

const (
	ActionNext     Action = "next"
	ActionPrev     Action = "prev"
	ActionJump     Action = "jump"
	ActionStart    Action = "start"
	ActionContinue Action = "continue"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionRestart  Action = "restart"
)

// Command intents.
const (
	IntentTourCommand = "tour_command"
	IntentNone        = "none"
)

// Command is the result of parsing one utterance. StopIndex is 0-based
// and set only for jumps resolved against the stop list.
type Command struct {
	Intent     string  `json:"intent"`
	Action     Action  `json:"action,omitempty"`
	Confidence float64 `json:"confidence"`
	StopIndex  *int    `json:"stop_index,omitempty"`
	StopName   string  `json:"stop_name,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// IsCommand reports whether c is a tour command.
func (c Command) IsCommand() bool { return c.Intent == IntentTourCommand }

// Resolved reports whether c can be applied without further input:
// every non-jump command, and jumps with a known stop.
func (c Command) Resolved() bool {
	return c.IsCommand() && (c.Action != ActionJump || c.StopIndex != nil)
}

// Jump confidences.
const (
	numericJumpConfidence = 0.9
	namedJumpConfidence   = 0.85
	unresolvedConfidence  = 0.5
)

// KeywordRule maps any keyword hit to an action.
type KeywordRule struct {
	Action     Action
	Confidence float64
	Keywords   []string
}

// DefaultKeywordRules are evaluated in order before the jump patterns.
var DefaultKeywordRules = []KeywordRule{
	{Action: ActionPause, Confidence: 0.95, Keywords: []string{"暂停", "停一下", "等一下", "停下", "先停", "pause"}},
	{Action: ActionResume, Confidence: 0.9, Keywords: []string{"恢复", "接着讲", "resume"}},
	{Action: ActionContinue, Confidence: 0.85, Keywords: []string{"继续", "continue"}},
	{Action: ActionStart, Confidence: 0.9, Keywords: []string{"开始讲解", "开始导览", "开始参观", "出发"}},
	{Action: ActionRestart, Confidence: 0.9, Keywords: []string{"重新开始", "从头开始", "重新讲解", "restart"}},
	{Action: ActionNext, Confidence: 0.95, Keywords: []string{"下一站", "下一个", "下一步", "next"}},
	{Action: ActionPrev, Confidence: 0.95, Keywords: []string{"上一站", "上一个", "回到上一", "previous"}},
}

var (
	ordinalJumpRe = regexp.MustCompile(`第\s*([0-9一二三四五六七八九十两]+)\s*[站个号]`)
	numberedRe    = regexp.MustCompile(`([0-9一二三四五六七八九十两]+)\s*号`)
	namedJumpRe   = regexp.MustCompile(`^(?:请)?(?:带我)?(?:跳转到|跳到|去|到)\s*(.+)$`)
)

// CommandParser turns utterances into tour commands.
type CommandParser struct {
	rules []KeywordRule
}

// NewCommandParser returns a parser over DefaultKeywordRules.
func NewCommandParser() *CommandParser {
	return &CommandParser{rules: DefaultKeywordRules}
}

// Parse interprets text against the current stop list. Priority:
// pause, resume/continue, start, restart, next, prev, numeric jump,
// named jump, then none.
func (p *CommandParser) Parse(text string, stops []string) Command {
	q := strings.ToLower(strings.TrimSpace(text))
	if q == "" {
		return Command{Intent: IntentNone, Reason: "empty"}
	}
	compact := stripSpace(q)

	for _, r := range p.rules {
		for _, k := range r.Keywords {
			if strings.Contains(compact, k) {
				return Command{Intent: IntentTourCommand, Action: r.Action, Confidence: r.Confidence, Reason: "keyword:" + k}
			}
		}
	}

	for _, re := range []*regexp.Regexp{ordinalJumpRe, numberedRe} {
		if m := re.FindStringSubmatch(q); m != nil {
			if n, ok := parseNumber(m[1]); ok {
				return numericJump(n, stops)
			}
		}
	}

	if m := namedJumpRe.FindStringSubmatch(q); m != nil {
		target := strings.TrimRightFunc(stripSpace(m[1]), func(r rune) bool {
			return unicode.IsPunct(r) || r == '吧' || r == '呀'
		})
		if target != "" {
			return namedJump(target, stops)
		}
	}

	return Command{Intent: IntentNone, Reason: "no_match"}
}

func numericJump(n int, stops []string) Command {
	c := Command{Intent: IntentTourCommand, Action: ActionJump}
	idx := n - 1
	if n < 1 || (len(stops) > 0 && idx >= len(stops)) {
		c.Confidence = unresolvedConfidence
		c.Reason = "index_out_of_range:" + strconv.Itoa(n)
		return c
	}
	c.Confidence = numericJumpConfidence
	c.StopIndex = &idx
	if idx < len(stops) {
		c.StopName = stops[idx]
	}
	c.Reason = "numeric"
	return c
}

// namedJump resolves target against stops: an exact match first, then
// a substring match in either direction, comparing without whitespace.
func namedJump(target string, stops []string) Command {
	c := Command{Intent: IntentTourCommand, Action: ActionJump, StopName: target}
	norm := make([]string, len(stops))
	for i, s := range stops {
		norm[i] = strings.ToLower(stripSpace(s))
	}

	idx := -1
	for i, s := range norm {
		if s != "" && s == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, s := range norm {
			if s != "" && (strings.Contains(s, target) || strings.Contains(target, s)) {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		c.Confidence = unresolvedConfidence
		c.Reason = "unknown_stop"
		return c
	}
	c.Confidence = namedJumpConfidence
	c.StopIndex = &idx
	c.StopName = stops[idx]
	c.Reason = "named"
	return c
}

var cnDigits = map[rune]int{
	'一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// parseNumber reads ASCII digits or a Chinese numeral up to 99.
func parseNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	rs := []rune(s)
	switch {
	case len(rs) == 1 && rs[0] == '十':
		return 10, true
	case len(rs) == 1:
		n, ok := cnDigits[rs[0]]
		return n, ok
	}

	tens, ones := 0, 0
	i := 0
	if rs[0] == '十' {
		tens = 1
		i = 1
	} else if len(rs) >= 2 && rs[1] == '十' {
		d, ok := cnDigits[rs[0]]
		if !ok {
			return 0, false
		}
		tens = d
		i = 2
	} else {
		return 0, false
	}
	switch len(rs) - i {
	case 0:
	case 1:
		d, ok := cnDigits[rs[i]]
		if !ok {
			return 0, false
		}
		ones = d
	default:
		return 0, false
	}
	return tens*10 + ones, true
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
