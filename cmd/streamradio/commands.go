package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/glebovdev/streamradio/internal/finder"
	"github.com/glebovdev/streamradio/internal/player"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/glebovdev/streamradio/internal/status"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var saveFlag = flag.Bool("save", false, "Add the search results to the station list")

var errNoStation = errors.New("no station selected, use -play, -random or -list")

func (a *app) run(ctx context.Context) error {
	switch {
	case *addFlag != "":
		return a.add(ctx, *addFlag)
	case *removeFlag != "":
		return a.service.Remove(*removeFlag)
	case *renameFlag != "":
		if *toFlag == "" {
			return errors.New("-rename needs a new name in -to")
		}
		return a.service.Rename(*renameFlag, *toFlag)
	case *searchFlag != "":
		return a.search(ctx, *searchFlag)
	case *probeFlag:
		a.service.ProbeAll(ctx)
		return ctx.Err()
	case *listFlag:
		return a.list()
	}

	st, err := a.pick()
	if err != nil {
		return err
	}
	return a.play(ctx, st)
}

func (a *app) add(ctx context.Context, rawURL string) error {
	st, err := a.service.AddURL(ctx, rawURL)
	if err != nil {
		return err
	}
	fmt.Printf("Added %s\n", st.Name())
	return nil
}

func (a *app) search(ctx context.Context, query string) error {
	results, err := a.service.Search(ctx, *byFlag, query)
	if errors.Is(err, finder.ErrUnknownCapability) {
		return fmt.Errorf("%w, try one of %s", err, strings.Join(a.service.Capabilities(), ", "))
	}
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No stations found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, st := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name(), st.Genre(), st.Source())
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !*saveFlag {
		return nil
	}
	var added []*station.Station
	for _, st := range results {
		if err := a.service.Add(st); err != nil {
			log.Warn().Err(err).Str("station", st.Name()).Msg("Skipping search result")
			continue
		}
		added = append(added, st)
	}
	a.service.ProbeStations(ctx, added)
	return ctx.Err()
}

func (a *app) list() error {
	stations := a.service.Stations()
	if len(stations) == 0 {
		fmt.Println("No saved stations, add one with -add or -search")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFORMAT\tKBPS\tGENRE\tSTREAM")
	for _, st := range stations {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", st.Name(), st.Encoding(), st.Bitrate()/1000, st.Genre(), st.StreamURL())
	}
	return w.Flush()
}

// pick selects the station named on the command line, a random one, or the
// last played station when autostart is enabled.
func (a *app) pick() (*station.Station, error) {
	name := *playFlag
	switch {
	case name != "":
	case *randomFlag:
		stations := a.service.Stations()
		if len(stations) == 0 {
			return nil, errNoStation
		}
		return stations[rand.IntN(len(stations))], nil
	case a.cfg.Autostart && a.cfg.LastStation != "":
		name = a.cfg.LastStation
	default:
		flag.Usage()
		return nil, errNoStation
	}

	st := a.service.Get(name)
	if st == nil {
		return nil, fmt.Errorf("station %q not found", name)
	}
	return st, nil
}

func (a *app) play(ctx context.Context, st *station.Station) error {
	if st.StreamURL() == "" && st.Source() != "" {
		if err := a.prober.RetrieveStreamURL(ctx, st); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", st.Name(), err)
		}
	}

	p := player.New(st, a.fetcher, a.checker, a.events.queue, player.Options{
		ReadTimeout: a.cfg.ReadTimeout,
		Volume:      a.cfg.VolumeLevel(),
	})
	if p.State() == player.StateInActive {
		return fmt.Errorf("%s: %w", st.Name(), station.ErrUnusable)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := a.cfg.MetricsAddr; addr != "" {
		g.Go(func() error {
			return status.Serve(gctx, addr, func() status.Snapshot {
				return status.Snapshot{
					Station:    st.Name(),
					State:      p.State().String(),
					NowPlaying: p.StreamTitle(),
					LastError:  p.LastError(),
					Stations:   a.service.StationCount(),
				}
			})
		})
	}

	if interval := a.cfg.ProbeInterval; interval > 0 {
		a.service.StartPeriodicProbe(gctx, interval)
		defer a.service.StopPeriodicProbe()
	}

	ended := a.events.watch(p)
	p.Play()

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-ended:
		}
		p.Close()
		stop()
		return nil
	})

	err := g.Wait()

	// A permanent redirect during the session rewrote the stream url.
	if st.IsUnsaved() && st.InitCheck() == nil {
		if saveErr := a.service.Save(st); saveErr != nil {
			log.Error().Err(saveErr).Str("station", st.Name()).Msg("Failed to save station")
		}
	}

	a.cfg.LastStation = st.Name()
	if saveErr := a.cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("Failed to save config")
	}

	if err != nil {
		return err
	}
	if msg := p.LastError(); msg != "" && ctx.Err() == nil {
		return errors.New(msg)
	}
	return nil
}
