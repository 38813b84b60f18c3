package session

import (
	"github.com/nugget/docent/internal/nav"
	"github.com/nugget/docent/internal/prompts"
	"github.com/nugget/docent/internal/registry"
)

// noticeFor is the line the kiosk speaks after a move. Superseded moves
// stay silent; the newer move speaks for itself.
func noticeFor(r nav.Result, stopName string) string {
	if r.State == nav.StateCancelled && r.Reason == registry.ReasonSuperseded {
		return ""
	}
	return prompts.NavNotice(string(r.State), stopName)
}
