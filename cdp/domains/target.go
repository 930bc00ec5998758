package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions.
type Target interface {
	SetDiscoverTargets(ctx context.Context, discover bool) error
	SetAutoAttach(ctx context.Context, autoAttach, waitForDebuggerOnStart, flatten bool) error
	CreateTarget(ctx context.Context, url string) (id string, err error)
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

// SetDiscoverTargets executes the CDP Target.setDiscoverTargets command.
func (t *target) SetDiscoverTargets(ctx context.Context, discover bool) error {
	if err := cdpt.SetDiscoverTargets(discover).Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing setDiscoverTargets: %w", err)
	}
	return nil
}

// SetAutoAttach executes the CDP Target.setAutoAttach command.
func (t *target) SetAutoAttach(ctx context.Context, autoAttach, waitForDebuggerOnStart, flatten bool) error {
	action := cdpt.SetAutoAttach(autoAttach, waitForDebuggerOnStart).WithFlatten(flatten)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing setAutoAttach: %w", err)
	}

	// Target.setAutoAttach has a bug where it does not wait for new Targets being attached.
	// However making a dummy call afterwards fixes this.
	action2 := cdpt.GetTargetInfo()
	if _, err := action2.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing getTargetInfo: %w", err)
	}

	return nil
}

// CreateTarget opens a new tab on url.
func (t *target) CreateTarget(ctx context.Context, url string) (string, error) {
	id, err := cdpt.CreateTarget(url).Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating target for %q: %w", url, err)
	}
	return string(id), nil
}
