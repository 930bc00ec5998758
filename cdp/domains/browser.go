// Package domains wraps the CDP domain commands used by the navigation
// feed behind small interfaces.
package domains

import (
	"context"
	"fmt"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
)

// Browser exposes the CDP Browser domain actions.
type Browser interface {
	GetVersion(ctx context.Context) (product string, err error)
}

var _ Browser = &browser{}

type browser struct {
	exec cdp.Executor
}

// NewBrowser returns a new CDP Browser domain wrapper.
func NewBrowser(exec cdp.Executor) Browser {
	return &browser{exec}
}

func (b *browser) GetVersion(ctx context.Context) (string, error) {
	action := cdpb.GetVersion()
	_, product, _, _, _, err := action.Do(cdp.WithExecutor(ctx, b.exec))
	if err != nil {
		return "", fmt.Errorf("getting browser version: %w", err)
	}
	return product, nil
}
