package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/bridge"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/browserprocess"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/correlator"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/monitor"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/storage"
)

const (
	hubQueueSize    = 64
	shutdownTimeout = 5 * time.Second
)

var errNoCDPURL = errors.New("no browser: set --cdp-url or SERP_CDP_URL, or --browser or SERP_BROWSER")

func newRunCommand(gs *globalState) *cobra.Command {
	var open []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Follow the browser and record result page visits until interrupted",
		Example: `  chromium --remote-debugging-port=9222 &
  serpwatch run --cdp-url ws://127.0.0.1:9222/devtools/browser/<id> --open https://www.google.com/
  serpwatch run --browser /usr/bin/chromium --report-dir ./reports`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return gs.run(cmd.Context(), open)
		},
	}
	cmd.Flags().StringSliceVar(&open, "open", nil, "URLs to open in new tabs once the browser is followed")
	return cmd
}

func (gs *globalState) run(ctx context.Context, open []string) error {
	reg, err := gs.registry()
	if err != nil {
		return err
	}
	logger := gs.logger

	wsURL := gs.opts.CDPURL
	switch {
	case wsURL != "":
	case gs.opts.BrowserPath != "":
		proc, err := browserprocess.Launch(ctx, gs.opts.BrowserPath, nil, logger)
		if err != nil {
			return err
		}
		defer proc.Close() //nolint:errcheck
		wsURL = proc.WsURL()
	default:
		return errNoCDPURL
	}

	tracker := attribution.NewTracker(reg, logger)
	hub := correlator.NewHub(ctx, logger, hubQueueSize)
	defer hub.Close()
	// Reports of the visits still open at shutdown are written after ctx
	// is done.
	store := storage.NewReportStore(context.WithoutCancel(ctx), gs.opts.ReportDir, nil, logger)
	sink := gs.reportPrinter(store)

	client := cdp.NewClient(ctx, logger)
	if err := client.Connect(wsURL); err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck
	product, err := client.Browser.GetVersion(ctx)
	if err != nil {
		return err
	}
	gs.printf("%s %s\n", color.GreenString("connected to"), product)

	ln, err := net.Listen("tcp", gs.opts.BridgeAddr)
	if err != nil {
		return fmt.Errorf("starting page bridge: %w", err)
	}
	bsrv := bridge.NewServer(ctx, logger, tracker, hub, sink)
	hsrv := &http.Server{Handler: bsrv, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := hsrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("serpwatch:run", "page bridge: %v", err)
		}
	}()
	gs.printf("%s ws://%s\n", color.GreenString("page bridge on"), ln.Addr())
	defer func() {
		_ = bsrv.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hsrv.Shutdown(sctx); err != nil {
			logger.Warnf("serpwatch:run", "stopping page bridge: %v", err)
		}
	}()

	mon := monitor.New(monitor.Config{
		Browser:  client,
		Registry: reg,
		Tracker:  tracker,
		Hub:      hub,
		Sink:     sink,
		Logger:   logger,
		Options:  gs.opts,
	})
	defer mon.Close()
	feed := cdp.NewFeed(client, tracker, hub, cdp.WithLogger(logger), cdp.WithObserver(mon))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- feed.Run(runCtx) }()
	go func() { errc <- mon.Run(runCtx) }()

	select {
	case <-feed.Ready():
	case err := <-errc:
		return err
	}
	for _, u := range open {
		if _, err := client.Target.CreateTarget(ctx, u); err != nil {
			logger.Warnf("serpwatch:run", "opening %q: %v", u, err)
		}
	}

	select {
	case <-ctx.Done():
		gs.printf("%s\n", color.YellowString("stopping"))
		return nil
	case err := <-errc:
		if errors.Is(err, cdp.ErrClosed) {
			gs.printf("%s\n", color.YellowString("browser went away"))
			return client.Err()
		}
		return err
	}
}

// reportPrinter persists reports to store and prints a summary of each.
func (gs *globalState) reportPrinter(store *storage.ReportStore) pagevalues.ReportSink {
	label := color.New(color.FgMagenta, color.Bold)
	return pagevalues.ReportSinkFunc(func(r pagevalues.VisitReport) error {
		if err := store.Report(r); err != nil {
			return err
		}
		attr := "unattributed"
		if r.Attribution.Valid {
			attr = r.Attribution.String
		}
		gs.printf("%s %s %q page:%d attribution:%s organic clicks:%d dwell:%s\n",
			label.Sprint("visit"), r.Engine, r.Query, r.PageNumber, attr,
			len(r.OrganicClicks), time.Duration(r.DwellTimeMs)*time.Millisecond)
		return nil
	})
}
