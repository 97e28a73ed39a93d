// internal/cdp/notifications.go
package cdp

import (
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// DecodeNotification resolves a raw notification into its typed cdproto
// event struct. The mapping is an explicit table of the methods this core
// consumes; unknown methods decode to (nil, nil) and are ignored upstream.
func DecodeNotification(n Notification) (any, error) {
	var ev any
	switch n.Method {
	case string(cdproto.EventTargetTargetCreated):
		ev = new(target.EventTargetCreated)
	case string(cdproto.EventTargetTargetDestroyed):
		ev = new(target.EventTargetDestroyed)
	case string(cdproto.EventTargetTargetInfoChanged):
		ev = new(target.EventTargetInfoChanged)
	case string(cdproto.EventTargetTargetCrashed):
		ev = new(target.EventTargetCrashed)
	case string(cdproto.EventTargetAttachedToTarget):
		ev = new(target.EventAttachedToTarget)
	case string(cdproto.EventTargetDetachedFromTarget):
		ev = new(target.EventDetachedFromTarget)
	case string(cdproto.EventPageLoadEventFired):
		ev = new(page.EventLoadEventFired)
	case string(cdproto.EventPageFrameNavigated):
		ev = new(page.EventFrameNavigated)
	case string(cdproto.EventPageNavigatedWithinDocument):
		ev = new(page.EventNavigatedWithinDocument)
	case string(cdproto.EventPageFrameStoppedLoading):
		ev = new(page.EventFrameStoppedLoading)
	case string(cdproto.EventPageJavascriptDialogOpening):
		ev = new(page.EventJavascriptDialogOpening)
	case string(cdproto.EventNetworkRequestWillBeSent):
		ev = new(network.EventRequestWillBeSent)
	case string(cdproto.EventNetworkResponseReceived):
		ev = new(network.EventResponseReceived)
	case string(cdproto.EventNetworkLoadingFinished):
		ev = new(network.EventLoadingFinished)
	case string(cdproto.EventNetworkLoadingFailed):
		ev = new(network.EventLoadingFailed)
	case string(cdproto.EventBrowserDownloadWillBegin):
		ev = new(browser.EventDownloadWillBegin)
	case string(cdproto.EventBrowserDownloadProgress):
		ev = new(browser.EventDownloadProgress)
	default:
		return nil, nil
	}

	if len(n.Params) > 0 {
		if err := json.Unmarshal(n.Params, ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", n.Method, err)
		}
	}
	return ev, nil
}
