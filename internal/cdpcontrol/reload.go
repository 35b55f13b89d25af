package cdpcontrol

import (
	"context"
	"log/slog"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/tz_agent/internal/types"
)

// ReloadTab reloads the page so documents that were already loaded observe
// the current override. It runs through chromedp on a separate connection;
// the tab and the override session are left untouched.
func (h *Host) ReloadTab(ctx context.Context, tab types.TabID) error {
	info, ok := h.tabs.Lookup(tab)
	if !ok {
		return newError(CodeTabGone, "tab not found: "+tab.String(), nil)
	}

	callCtx, cancel := h.callCtx(ctx)
	defer cancel()

	// Cancelling the remote allocator drops the extra connection without
	// closing the target; cancelling the tab context would close the tab.
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(callCtx, h.cdpURL)
	defer allocCancel()
	tabCtx, _ := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(info.TargetID)))

	if err := chromedp.Run(tabCtx, chromedp.Reload()); err != nil {
		if _, still := h.tabs.Lookup(tab); !still {
			return newError(CodeTabGone, "tab closed during reload", err)
		}
		return newError(CodeCDPUnavailable, "reload tab failed", err)
	}
	slog.Debug("cdpcontrol tab reloaded", "tab_id", tab, "url", truncateURL(info.URL))
	return nil
}
