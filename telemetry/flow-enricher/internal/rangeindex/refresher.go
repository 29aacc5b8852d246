package rangeindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultRefreshInterval = 1 * time.Minute

type RefresherConfig struct {
	Logger      *slog.Logger
	Index       *Index
	CountryPath string
	ASPath      string

	// Optional with defaults.
	Clock    clockwork.Clock
	Metrics  *Metrics
	Interval time.Duration
}

func (c *RefresherConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Index == nil {
		return errors.New("index is required")
	}
	if c.CountryPath == "" {
		return fmt.Errorf("country %w", ErrNoDatasets)
	}
	if c.ASPath == "" {
		return fmt.Errorf("as %w", ErrNoDatasets)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if c.Interval == 0 {
		c.Interval = defaultRefreshInterval
	}
	if c.Interval < 0 {
		return errors.New("refresh interval must be > 0")
	}
	return nil
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// Refresher loads both datasets into an Index and republishes a table when
// its file changes on disk. A failed reload leaves the previous snapshot in
// place.
type Refresher struct {
	log *slog.Logger
	cfg *RefresherConfig

	countryStamp fileStamp
	asStamp      fileStamp
}

func NewRefresher(cfg *RefresherConfig) (*Refresher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Refresher{log: cfg.Logger, cfg: cfg}, nil
}

// Load reads both datasets and publishes them as one snapshot.
func (r *Refresher) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	countryStamp, err := stat(r.cfg.CountryPath)
	if err != nil {
		return err
	}
	asStamp, err := stat(r.cfg.ASPath)
	if err != nil {
		return err
	}

	timer := prometheus.NewTimer(r.cfg.Metrics.ReloadSeconds)
	defer timer.ObserveDuration()

	country, err := r.loadCountry()
	if err != nil {
		return err
	}
	as, err := r.loadAS()
	if err != nil {
		return err
	}

	snap := r.cfg.Index.Publish(country, as)
	r.countryStamp, r.asStamp = countryStamp, asStamp
	r.published(snap)
	return nil
}

// Refresh reloads any dataset whose modification time or size changed since
// it was last published.
func (r *Refresher) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var errs []error

	if stamp, changed, err := r.changed(r.cfg.CountryPath, r.countryStamp); err != nil {
		errs = append(errs, r.reloadFailed(TableCountry, err))
	} else if changed {
		if country, err := r.loadCountry(); err != nil {
			errs = append(errs, r.reloadFailed(TableCountry, err))
		} else {
			r.countryStamp = stamp
			r.published(r.cfg.Index.PublishCountry(country))
		}
	}

	if stamp, changed, err := r.changed(r.cfg.ASPath, r.asStamp); err != nil {
		errs = append(errs, r.reloadFailed(TableAS, err))
	} else if changed {
		if as, err := r.loadAS(); err != nil {
			errs = append(errs, r.reloadFailed(TableAS, err))
		} else {
			r.asStamp = stamp
			r.published(r.cfg.Index.PublishAS(as))
		}
	}

	return errors.Join(errs...)
}

// Run calls Refresh on every interval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("range index refresher stopped")
			return nil
		case <-ticker.Chan():
			if err := r.Refresh(ctx); err != nil {
				r.log.Warn("error refreshing range index; keeping previous snapshot", "error", err)
			}
		}
	}
}

func (r *Refresher) loadCountry() (*Table[string], error) {
	table, stats, err := LoadCountryTable(r.cfg.CountryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load country dataset: %w", err)
	}
	r.loaded(TableCountry, r.cfg.CountryPath, stats)
	return table, nil
}

func (r *Refresher) loadAS() (*Table[AS], error) {
	table, stats, err := LoadASTable(r.cfg.ASPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load as dataset: %w", err)
	}
	r.loaded(TableAS, r.cfg.ASPath, stats)
	return table, nil
}

func (r *Refresher) loaded(table, path string, stats LoadStats) {
	r.cfg.Metrics.RowsSkipped.WithLabelValues(table).Add(float64(stats.Skipped))
	r.cfg.Metrics.Reloads.WithLabelValues(table).Inc()
	if stats.Skipped > 0 {
		r.log.Warn("skipped malformed dataset rows", "table", table, "path", path, "skipped", stats.Skipped, "rows", stats.Rows)
	}
	r.log.Info("loaded dataset", "table", table, "path", path, "entries", stats.Loaded)
}

func (r *Refresher) reloadFailed(table string, err error) error {
	r.cfg.Metrics.ReloadErrors.WithLabelValues(table).Inc()
	return err
}

func (r *Refresher) published(snap *Snapshot) {
	r.cfg.Metrics.Generation.Set(float64(snap.Generation()))
	r.cfg.Metrics.TableEntries.WithLabelValues(TableCountry).Set(float64(snap.CountryEntries()))
	r.cfg.Metrics.TableEntries.WithLabelValues(TableAS).Set(float64(snap.ASEntries()))
	r.log.Debug("published range index snapshot", "generation", snap.Generation())
}

func (r *Refresher) changed(path string, prev fileStamp) (fileStamp, bool, error) {
	cur, err := stat(path)
	if err != nil {
		return fileStamp{}, false, err
	}
	return cur, !cur.modTime.Equal(prev.modTime) || cur.size != prev.size, nil
}

func stat(path string) (fileStamp, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, fmt.Errorf("failed to stat dataset: %w", err)
	}
	return fileStamp{modTime: fi.ModTime(), size: fi.Size()}, nil
}
