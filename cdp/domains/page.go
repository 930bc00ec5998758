package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
)

// Page exposes the CDP Page domain actions.
type Page interface {
	Enable(context.Context) error
	// NavigationHistory returns the tab's history entries and the index of
	// the current one.
	NavigationHistory(context.Context) (current int64, entries []*cdpp.NavigationEntry, err error)
	AddScriptToEvaluateOnNewDocument(ctx context.Context, source string) error
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page CDP domain: %w", err)
	}

	return nil
}

func (p *page) NavigationHistory(ctx context.Context) (int64, []*cdpp.NavigationEntry, error) {
	action := cdpp.GetNavigationHistory()
	current, entries, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return 0, nil, fmt.Errorf("getting navigation history: %w", err)
	}
	return current, entries, nil
}

func (p *page) AddScriptToEvaluateOnNewDocument(ctx context.Context, source string) error {
	action := cdpp.AddScriptToEvaluateOnNewDocument(source)
	if _, err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("adding page script: %w", err)
	}
	return nil
}
