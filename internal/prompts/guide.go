package prompts

import (
	"fmt"
	"strings"
)

// GuideContext is the tour position an answer is framed against.
type GuideContext struct {
	Zone    string
	Profile string
	// StopIndex is 0-based; negative means no current stop.
	StopIndex   int
	Stops       []string
	TargetChars int
	Question    string
}

// profileStyles tunes the register per audience profile.
var profileStyles = map[string]string{
	"大众": "面向普通参观者，语言通俗易懂，少用专业术语。",
	"专业": "面向专业人士，可以使用准确的专业术语，突出技术细节和数据。",
	"儿童": "面向儿童，用简短的句子和生动的比喻，语气亲切活泼。",
}

const defaultStyle = "语言自然、友好，适合现场口头讲解。"

// Guide composes the augmentation for a guide-intent question: the
// current stop, what comes next, the audience register and a length
// budget sized for the stop's speaking time.
func Guide(c GuideContext) string {
	var b strings.Builder

	b.WriteString("你是展厅的讲解员，正在带领访客参观。")
	if c.Zone != "" {
		fmt.Fprintf(&b, "当前路线：%s。", c.Zone)
	}
	b.WriteString("\n")

	total := len(c.Stops)
	if c.StopIndex >= 0 && c.StopIndex < total {
		fmt.Fprintf(&b, "当前讲解点：%s（第%d站，共%d站）。", c.Stops[c.StopIndex], c.StopIndex+1, total)
		if next := c.StopIndex + 1; next < total {
			fmt.Fprintf(&b, "下一站：%s。", c.Stops[next])
		} else {
			b.WriteString("这是最后一站。")
		}
		b.WriteString("\n")
	}

	style, ok := profileStyles[c.Profile]
	if !ok {
		style = defaultStyle
	}
	b.WriteString("讲解风格：")
	b.WriteString(style)
	b.WriteString("\n")

	if c.TargetChars > 0 {
		fmt.Fprintf(&b, "回答长度控制在约%d个字以内，便于语音播报，不要使用列表或Markdown格式。\n", c.TargetChars)
	} else {
		b.WriteString("回答简洁，便于语音播报，不要使用列表或Markdown格式。\n")
	}

	if q := strings.TrimSpace(c.Question); q != "" {
		fmt.Fprintf(&b, "访客的问题：%s", q)
	}
	return strings.TrimRight(b.String(), "\n")
}
