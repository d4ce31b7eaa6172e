package session

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"habitcal/internal/models"
)

// CalendarReader fetches the events of one calendar inside a window.
type CalendarReader interface {
	FetchEvents(ctx context.Context, calendarID string, w models.Window) ([]models.Event, error)
}

// CalendarWriter creates one event and returns the provider's id for it.
type CalendarWriter interface {
	CreateEvent(ctx context.Context, item models.ScheduleItem, timezone string) (string, error)
}

// Source is one account or server and the calendars to read from it.
type Source struct {
	Name        string
	Reader      CalendarReader
	CalendarIDs []string
}

// Calendars orchestrates reads across every source and writes to the target calendar.
type Calendars struct {
	logger  *slog.Logger
	sources []Source
	writer  CalendarWriter
	limit   int
}

// NewCalendars creates a Calendars issuing at most limit concurrent calls.
func NewCalendars(logger *slog.Logger, sources []Source, writer CalendarWriter, limit int) *Calendars {
	if limit <= 0 {
		limit = 4
	}
	return &Calendars{logger: logger, sources: sources, writer: writer, limit: limit}
}

// CanWrite reports whether a write target is configured.
func (c *Calendars) CanWrite() bool {
	return c != nil && c.writer != nil
}

// FetchAll reads every configured calendar concurrently and waits for all of them.
// A calendar that fails is left out and reported; only cancellation of ctx is fatal.
// Events are returned in source and calendar order regardless of completion order.
func (c *Calendars) FetchAll(ctx context.Context, w models.Window) ([]models.Event, []models.CalendarFailure, error) {
	if c == nil {
		return nil, nil, nil
	}
	type target struct {
		source     string
		reader     CalendarReader
		calendarID string
	}
	var targets []target
	for _, src := range c.sources {
		for _, id := range src.CalendarIDs {
			targets = append(targets, target{source: src.Name, reader: src.Reader, calendarID: id})
		}
	}

	results := make([][]models.Event, len(targets))
	errs := make([]error, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			if gctx.Err() != nil {
				errs[i] = gctx.Err()
				return nil
			}
			events, err := t.reader.FetchEvents(gctx, t.calendarID, w)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = events
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var all []models.Event
	var failures []models.CalendarFailure
	for i, t := range targets {
		if errs[i] != nil {
			c.logger.Error("Could not fetch events for a calendar", "source", t.source, "calendar_id", t.calendarID, "error", errs[i])
			failures = append(failures, models.CalendarFailure{Kind: models.CalendarReadFailure, CalendarID: t.calendarID, Err: errs[i]})
			continue
		}
		all = append(all, results[i]...)
	}
	c.logger.Info("Fetched all calendar events", "calendars", len(targets), "failed", len(failures), "count", len(all))
	return all, failures, nil
}

// CreateAll creates each item concurrently and reports which item ids were created.
// Every item succeeds or fails on its own.
func (c *Calendars) CreateAll(ctx context.Context, items []models.ScheduleItem, timezone string) (map[string]bool, []models.CalendarFailure) {
	created := make(map[string]bool, len(items))
	if !c.CanWrite() {
		failures := make([]models.CalendarFailure, 0, len(items))
		for _, it := range items {
			failures = append(failures, models.CalendarFailure{
				Kind: models.CalendarWriteFailure, ItemID: it.ID, Summary: it.Summary,
				Err: errors.New("no calendar is configured for writing"),
			})
		}
		return created, failures
	}

	errs := make([]error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			if _, err := c.writer.CreateEvent(gctx, it, timezone); err != nil {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	var failures []models.CalendarFailure
	for i, it := range items {
		if errs[i] != nil {
			c.logger.Error("Failed to create event", "item_id", it.ID, "summary", it.Summary, "error", errs[i])
			failures = append(failures, models.CalendarFailure{
				Kind: models.CalendarWriteFailure, ItemID: it.ID, Summary: it.Summary, Err: errs[i],
			})
			continue
		}
		created[it.ID] = true
	}
	return created, failures
}
