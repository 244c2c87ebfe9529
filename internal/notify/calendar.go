package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

// CalendarConfig points the HTTP calendar client at an events API.
type CalendarConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration // default 20s
}

const defaultCalendarBaseURL = "https://www.googleapis.com/calendar/v3"

// releaseKeyProperty is the private extended property used as the external
// dedup key on created events.
const releaseKeyProperty = "releaseKey"

// HTTPCalendar creates release events over a Google-Calendar-shaped REST
// API. Every created event carries the dedup key as a private extended
// property so FindEvent can locate it later.
type HTTPCalendar struct {
	cfg  CalendarConfig
	http *http.Client
	log  logx.Logger
}

func NewHTTPCalendar(cfg CalendarConfig, client *http.Client, log logx.Logger) *HTTPCalendar {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultCalendarBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPCalendar{cfg: cfg, http: client, log: log}
}

type calendarEvent struct {
	ID          string            `json:"id,omitempty"`
	Summary     string            `json:"summary"`
	Description string            `json:"description,omitempty"`
	Start       calendarEventTime `json:"start"`
	End         calendarEventTime `json:"end"`
	Extended    *extendedProps    `json:"extendedProperties,omitempty"`
}

type calendarEventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type extendedProps struct {
	Private map[string]string `json:"private,omitempty"`
}

type eventList struct {
	Items []calendarEvent `json:"items"`
}

func (c *HTTPCalendar) FindEvent(ctx context.Context, calendarID, dedupKey string) (string, bool, error) {
	q := url.Values{}
	q.Set("privateExtendedProperty", releaseKeyProperty+"="+dedupKey)
	q.Set("maxResults", "1")
	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
		c.cfg.BaseURL, url.PathEscape(calendarID), q.Encode())

	var list eventList
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &list); err != nil {
		return "", false, err
	}
	if len(list.Items) == 0 {
		return "", false, nil
	}
	return list.Items[0].ID, true, nil
}

func (c *HTTPCalendar) CreateEvent(ctx context.Context, ev Event) (string, error) {
	body := calendarEvent{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       calendarEventTime{Date: ev.Start.UTC().Format("2006-01-02")},
		End:         calendarEventTime{Date: ev.End.UTC().Format("2006-01-02")},
		Extended: &extendedProps{
			Private: map[string]string{releaseKeyProperty: ev.DedupKey},
		},
	}
	endpoint := fmt.Sprintf("%s/calendars/%s/events",
		c.cfg.BaseURL, url.PathEscape(ev.CalendarID))

	var created calendarEvent
	if err := c.do(ctx, http.MethodPost, endpoint, &body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("calendar: create returned no event id")
	}
	return created.ID, nil
}

func (c *HTTPCalendar) do(ctx context.Context, method, endpoint string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("calendar: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
