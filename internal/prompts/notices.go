package prompts

import "fmt"

// Fixed lines spoken to visitors when the answer pipeline cannot.
const (
	// EmptyAnswerFallback is spoken when the answer model returns
	// nothing.
	EmptyAnswerFallback = "抱歉，我暂时无法回答这个问题，请换个问法试试。"

	// BlockedNotice replaces the remainder of an answer stopped by the
	// blacklist.
	BlockedNotice = "抱歉，这个问题我不方便回答。"

	// RateLimitedNotice is spoken when a client asks too fast.
	RateLimitedNotice = "请稍等一下，我还在处理上一个问题。"
)

// navNotices maps terminal navigation states to what the robot says.
var navNotices = map[string]string{
	"arrived":   "我们到了，%s。",
	"failed":    "抱歉，前往%s的路线出了点问题。",
	"cancelled": "好的，已停止前往%s。",
	"estop":     "急停已触发，请确认周围安全后再继续。",
	"timeout":   "前往%s花的时间太久了，我们先停在这里。",
}

// NavNotice returns the line for a navigation outcome at stopName.
// Unknown states yield "".
func NavNotice(state, stopName string) string {
	tmpl, ok := navNotices[state]
	if !ok {
		return ""
	}
	if stopName == "" {
		stopName = "目的地"
	}
	if state == "estop" {
		return tmpl
	}
	return fmt.Sprintf(tmpl, stopName)
}
