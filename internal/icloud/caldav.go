package icloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"habitcal/internal/models"
)

const (
	iCloudCalDAVEndpoint = "https://caldav.icloud.com/"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "habitcal/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient reads and writes events on one calendar of a CalDAV server (iCloud by default).
type CalDAVClient struct {
	caldavClient  *caldav.Client
	webdavClient  *webdav.Client
	logger        *slog.Logger
	endpoint      string
	calendarPath  string
	calendarName  string
	calendarColor string
}

// Options configures a CalDAVClient.
type Options struct {
	Endpoint      string // defaults to iCloud
	Username      string
	Password      string
	CalendarName  string
	CalendarColor string
	Transport     http.RoundTripper
}

// NewClient creates and initializes a new CalDAVClient, locating the named calendar.
func NewClient(ctx context.Context, logger *slog.Logger, opts Options) (*CalDAVClient, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = iCloudCalDAVEndpoint
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	transport := &customTransport{
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: opts.Transport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	webdavClient, err := webdav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	c := &CalDAVClient{
		caldavClient:  caldavClient,
		webdavClient:  webdavClient,
		logger:        logger,
		endpoint:      opts.Endpoint,
		calendarName:  opts.CalendarName,
		calendarColor: opts.CalendarColor,
	}

	logger.Info("Finding CalDAV calendar", "calendarName", opts.CalendarName)
	calendarPath, err := c.findCalendar(ctx, opts.CalendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", opts.CalendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)

	return c, nil
}

// CalendarID identifies the located calendar to the session's reader fan-in.
func (c *CalDAVClient) CalendarID() string {
	return c.calendarPath
}

// FetchEvents returns the calendar's events overlapping the window, with
// recurring events expanded into their instances. calendarID is ignored; the
// client is bound to the calendar it located.
func (c *CalDAVClient) FetchEvents(ctx context.Context, calendarID string, w models.Window) ([]models.Event, error) {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: w.Start.UTC(),
				End:   w.End.UTC(),
			}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	events := c.convertObjects(objects, w, loc)
	c.logger.Info("Successfully fetched events from CalDAV", "count", len(events), "calendar", c.calendarName)
	return events, nil
}

// convertObjects flattens calendar objects into busy events within w.
func (c *CalDAVClient) convertObjects(objects []caldav.CalendarObject, w models.Window, loc *time.Location) []models.Event {
	// Overrides (VEVENTs with RECURRENCE-ID) replace the master's instance
	// at that time, so collect them before expanding any master.
	overridden := make(map[string]map[int64]bool)
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			recID, ok := recurrenceID(ev, loc)
			if !ok {
				continue
			}
			uid, _ := ev.Props.Text(ical.PropUID)
			if overridden[uid] == nil {
				overridden[uid] = make(map[int64]bool)
			}
			overridden[uid][recID.Unix()] = true
		}
	}

	var events []models.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			uid, _ := ev.Props.Text(ical.PropUID)
			converted, err := c.fromICal(ev, w, loc, overridden[uid])
			if err != nil {
				c.logger.Warn("Skipping unreadable CalDAV event", "path", obj.Path, "error", err)
				continue
			}
			events = append(events, converted...)
		}
	}
	return events
}

// recurrenceID returns the RECURRENCE-ID of an override instance.
func recurrenceID(ev ical.Event, loc *time.Location) (time.Time, bool) {
	prop := ev.Props.Get(ical.PropRecurrenceID)
	if prop == nil {
		return time.Time{}, false
	}
	t, err := prop.DateTime(loc)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func instanceID(uid string, at time.Time) string {
	return uid + "@" + at.UTC().Format("20060102T150405Z")
}

// fromICal converts one VEVENT into internal events, expanding recurrences
// inside w. Instants in skip are left out because an override replaces them.
func (c *CalDAVClient) fromICal(ev ical.Event, w models.Window, loc *time.Location, skip map[int64]bool) ([]models.Event, error) {
	start, err := ev.DateTimeStart(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil || end.IsZero() {
		end = start
	}
	allDay := false
	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil && prop.ValueType() == ical.ValueDate {
		allDay = true
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	}
	uid, _ := ev.Props.Text(ical.PropUID)
	summary, _ := ev.Props.Text(ical.PropSummary)

	base := models.Event{
		ID:            uid,
		UID:           uid,
		Summary:       summary,
		AllDay:        allDay,
		CalendarID:    c.calendarPath,
		CalendarName:  c.calendarName,
		CalendarColor: c.calendarColor,
		Source:        "caldav",
	}

	if recID, ok := recurrenceID(ev, loc); ok {
		if status, _ := ev.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
			return nil, nil
		}
		base.ID = instanceID(uid, recID)
		base.StartTime, base.EndTime = start, end
		return []models.Event{base}, nil
	}

	set, err := ev.RecurrenceSet(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence: %w", err)
	}
	if set == nil {
		base.StartTime, base.EndTime = start, end
		return []models.Event{base}, nil
	}

	duration := end.Sub(start)
	var out []models.Event
	for _, occ := range set.Between(w.Start.Add(-duration), w.End, true) {
		if skip[occ.Unix()] {
			continue
		}
		inst := base
		inst.ID = instanceID(uid, occ)
		inst.StartTime, inst.EndTime = occ.In(loc), occ.Add(duration).In(loc)
		out = append(out, inst)
	}
	return out, nil
}

// CreateEvent writes a draft item as a new event and returns its UID.
func (c *CalDAVClient) CreateEvent(ctx context.Context, item models.ScheduleItem, timezone string) (string, error) {
	uid := GenerateUID()
	c.logger.Debug("Creating event on CalDAV", "summary", item.Summary, "uid", uid)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//habitcal//EN")
	cal.Children = append(cal.Children, toICal(item, uid, time.Now().UTC()))

	// The event path must be relative to the endpoint for the webdav client.
	eventPath := path.Join(c.calendarPath, fmt.Sprintf("%s.ics", uid))

	writer, err := c.webdavClient.Create(ctx, eventPath)
	if err != nil {
		return "", fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to upload event: %w", err)
	}

	c.logger.Info("Successfully created event on CalDAV", "summary", item.Summary)
	return uid, nil
}

// toICal converts a ScheduleItem to an ical.Component (VEvent).
func toICal(item models.ScheduleItem, uid string, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, item.Summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	if item.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, item.Start)
		ve.Props.SetDate(ical.PropDateTimeEnd, item.End)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, item.Start)
		ve.Props.SetDateTime(ical.PropDateTimeEnd, item.End)
	}
	if item.RecurrenceRule != nil {
		ve.Props.SetText(ical.PropDescription, "Scheduled by habitcal ("+*item.RecurrenceRule+")")
	}
	return ve
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return strings.TrimPrefix(cal.Path, strings.TrimSuffix(c.endpoint, "/")), nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
