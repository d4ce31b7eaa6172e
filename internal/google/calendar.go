package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"habitcal/internal/models"
)

const (
	credentialsFile = "credentials.json"
	dateLayout      = "2006-01-02"
)

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service         *calendar.Service
	logger          *slog.Logger
	account         string
	writeCalendarID string
}

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// It supports multiple accounts by looking for token files like token-user1.json, token-user2.json, etc.
// The accountName is used to find the correct token file in tokenDir.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, tokenDir, accountName, writeCalendarID string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := TokenPath(tokenDir, accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return NewClientWithService(logger, service, accountName, writeCalendarID), nil
}

// NewClientWithService wraps an already configured calendar service.
func NewClientWithService(logger *slog.Logger, service *calendar.Service, accountName, writeCalendarID string) *CalendarClient {
	if writeCalendarID == "" {
		writeCalendarID = "primary"
	}
	return &CalendarClient{service: service, logger: logger, account: accountName, writeCalendarID: writeCalendarID}
}

// Account returns the account name this client was created for.
func (c *CalendarClient) Account() string {
	return c.account
}

// FetchEvents fetches every event of calendarID overlapping the window,
// expanded into single instances and tagged with the calendar's name and color.
func (c *CalendarClient) FetchEvents(ctx context.Context, calendarID string, w models.Window) ([]models.Event, error) {
	c.logger.Debug("Fetching events", "account", c.account, "calendarID", calendarID, "from", w.Start, "to", w.End)

	name, color := calendarID, ""
	if entry, err := c.service.CalendarList.Get(calendarID).Context(ctx).Do(); err != nil {
		c.logger.Warn("Could not read calendar metadata", "calendarID", calendarID, "error", err)
	} else {
		name, color = entry.Summary, entry.BackgroundColor
		if entry.SummaryOverride != "" {
			name = entry.SummaryOverride
		}
	}

	var items []*calendar.Event
	err := c.service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(w.Start.Format(time.RFC3339)).
		TimeMax(w.End.Format(time.RFC3339)).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(items), "calendarID", calendarID)
	return c.toInternalEvents(items, calendarID, name, color, w.Location), nil
}

// toInternalEvents converts Google Calendar events to the internal Event model.
func (c *CalendarClient) toInternalEvents(googleEvents []*calendar.Event, calendarID, name, color string, loc *time.Location) []models.Event {
	if loc == nil {
		loc = time.UTC
	}
	var internalEvents []models.Event
	for _, item := range googleEvents {
		if item.Start == nil || item.Status == "cancelled" {
			continue
		}
		event := models.Event{
			ID:            item.Id,
			Summary:       item.Summary,
			Description:   item.Description,
			CalendarID:    calendarID,
			CalendarName:  name,
			CalendarColor: color,
			UID:           item.ICalUID,
			Source:        fmt.Sprintf("google-%s", calendarID),
		}

		if item.Start.DateTime == "" {
			// All-day event: Date is set and End.Date is exclusive.
			start, err := time.ParseInLocation(dateLayout, item.Start.Date, loc)
			if err != nil {
				c.logger.Warn("Skipping event with unparseable date", "id", item.Id, "date", item.Start.Date)
				continue
			}
			end := start.AddDate(0, 0, 1)
			if item.End != nil && item.End.Date != "" {
				if e, err := time.ParseInLocation(dateLayout, item.End.Date, loc); err == nil {
					end = e
				}
			}
			event.StartTime, event.EndTime, event.AllDay = start, end, true
		} else {
			startTime, err := time.Parse(time.RFC3339, item.Start.DateTime)
			if err != nil {
				c.logger.Warn("Skipping event with unparseable start", "id", item.Id, "start", item.Start.DateTime)
				continue
			}
			endTime := startTime
			if item.End != nil {
				if t, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
					endTime = t
				}
			}
			event.StartTime, event.EndTime = startTime.In(loc), endTime.In(loc)
		}
		internalEvents = append(internalEvents, event)
	}
	return internalEvents
}

// CreateEvent inserts a draft item into the write calendar and returns the new event id.
func (c *CalendarClient) CreateEvent(ctx context.Context, item models.ScheduleItem, timezone string) (string, error) {
	description := "Scheduled by habitcal"
	if item.RecurrenceRule != nil {
		description += " (" + *item.RecurrenceRule + ")"
	}
	event := &calendar.Event{
		Summary:     item.Summary,
		Description: description,
		Start:       &calendar.EventDateTime{DateTime: item.Start.Format(time.RFC3339), TimeZone: timezone},
		End:         &calendar.EventDateTime{DateTime: item.End.Format(time.RFC3339), TimeZone: timezone},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{"habitcalItemID": item.ID},
		},
	}
	if item.AllDay {
		event.Start = &calendar.EventDateTime{Date: item.Start.Format(dateLayout)}
		event.End = &calendar.EventDateTime{Date: item.End.Format(dateLayout)}
	}

	created, err := c.service.Events.Insert(c.writeCalendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create event: %w", err)
	}
	c.logger.Info("Created event", "summary", item.Summary, "link", created.HtmlLink)
	return created.Id, nil
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// TokenPath returns where the token of accountName lives.
func TokenPath(dir, accountName string) string {
	return filepath.Join(dir, fmt.Sprintf("token-%s.json", accountName))
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// CalendarInfo is one entry of an account's calendar list.
type CalendarInfo struct {
	ID    string
	Name  string
	Color string
}

// DiscoverGoogleCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) DiscoverGoogleCalendars(ctx context.Context) ([]CalendarInfo, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var calendars []CalendarInfo
	for _, item := range list.Items {
		calendars = append(calendars, CalendarInfo{ID: item.Id, Name: item.Summary, Color: item.BackgroundColor})
	}
	return calendars, nil
}

// GetTokenAccounts lists the account names that have a saved token in dir.
func GetTokenAccounts(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
