package browser

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/rotisserie/eris"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// AckBinding is the window function the banner's Ack button calls.
const AckBinding = "deskpilotAck"

const bannerShowJS = `(text) => {
  let host = document.getElementById('deskpilot-banner');
  if (!host) {
    host = document.createElement('deskpilot-banner');
    host.id = 'deskpilot-banner';
    host.style.cssText = 'position:fixed;top:0;left:0;right:0;z-index:2147483647;';
    const root = host.attachShadow({mode: 'open'});
    root.innerHTML =
      '<div part="bar" style="display:flex;gap:12px;align-items:center;justify-content:center;' +
      'padding:8px 16px;background:#b00020;color:#fff;font:600 14px sans-serif;">' +
      '<span role="alert" id="msg"></span>' +
      '<button id="ack" style="font:inherit;padding:2px 12px;cursor:pointer;">Ack</button></div>';
    root.getElementById('ack').addEventListener('click', () => {
      if (typeof window.` + AckBinding + ` === 'function') window.` + AckBinding + `();
    });
    document.documentElement.appendChild(host);
  }
  host.shadowRoot.getElementById('msg').textContent = text;
  host.style.display = '';
}`

const bannerHideJS = `() => {
  const host = document.getElementById('deskpilot-banner');
  if (host) host.style.display = 'none';
}`

// Banner is the in-page hold alert. Its Ack button reaches back to Go
// through an exposed binding; the binding survives reloads, the banner
// element does not and is recreated on the next Show.
type Banner struct {
	page  *rod.Page
	onAck func()
	log   *zap.Logger

	mu   sync.Mutex
	stop func() error
}

// NewBanner exposes the Ack binding on page. onAck runs on the CDP event
// goroutine and must not block.
func NewBanner(page *rod.Page, onAck func(), log *zap.Logger) (*Banner, error) {
	if log == nil {
		log = zap.L()
	}
	b := &Banner{page: page, onAck: onAck, log: log.Named("banner")}
	stop, err := page.Expose(AckBinding, func(gson.JSON) (interface{}, error) {
		b.log.Info("ack clicked")
		if b.onAck != nil {
			b.onAck()
		}
		return nil, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "banner: expose ack binding")
	}
	b.stop = stop
	return b, nil
}

// Show creates or updates the banner.
func (b *Banner) Show(ctx context.Context, text string) error {
	if _, err := b.page.Context(ctx).Eval(bannerShowJS, text); err != nil {
		return eris.Wrap(err, "banner: show")
	}
	return nil
}

// Hide hides the banner if it exists.
func (b *Banner) Hide(ctx context.Context) error {
	if _, err := b.page.Context(ctx).Eval(bannerHideJS); err != nil {
		return eris.Wrap(err, "banner: hide")
	}
	return nil
}

// Close removes the binding.
func (b *Banner) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop == nil {
		return nil
	}
	err := b.stop()
	b.stop = nil
	return err
}
