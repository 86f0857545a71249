package storage

import "time"

// Message is a persisted direct message.
// Only Delivered and Read ever change after creation, and only from false to true.
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Body      string
	CreatedAt time.Time
	Delivered bool
	Read      bool
}

// Stats aggregates inbox and sent-status counters for one identity
type Stats struct {
	TotalReceived  int64 `json:"totalReceived"`
	UnreadReceived int64 `json:"unreadReceived"`
	ReadReceived   int64 `json:"readReceived"`
	SentTotal      int64 `json:"sentTotal"`
	Delivered      int64 `json:"delivered"`
	Read           int64 `json:"read"`
	Pending        int64 `json:"pending"`
}

// derive fills the fields computed from the others
func (s *Stats) derive() {
	s.ReadReceived = s.TotalReceived - s.UnreadReceived
	if s.ReadReceived < 0 {
		s.ReadReceived = 0
	}
	s.Pending = s.SentTotal - s.Delivered
	if s.Pending < 0 {
		s.Pending = 0
	}
}

// ActivityQuery bounds an Activity report.
// Days are whole UTC days ending with the day of Until.
type ActivityQuery struct {
	Until    time.Time
	Days     int
	Contacts int
}

// since returns the start of the first reported day
func (q ActivityQuery) since() time.Time {
	return q.until().AddDate(0, 0, -q.Days)
}

// until returns the end of the last reported day, exclusive
func (q ActivityQuery) until() time.Time {
	return q.Until.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)
}

// DayCount is the traffic of one identity on one UTC day
type DayCount struct {
	Day      string `json:"day"`
	Sent     int64  `json:"sent"`
	Received int64  `json:"received"`
}

// ContactCount is the number of messages exchanged with one counterpart
type ContactCount struct {
	Identity string `json:"identity"`
	Count    int64  `json:"count"`
}

// HourCount is the traffic in one hour of the week, Day runs from 1 (Monday) to 7
type HourCount struct {
	Day   int   `json:"day"`
	Hour  int   `json:"hour"`
	Value int64 `json:"value"`
}

// Activity is the traffic report of one identity
type Activity struct {
	Daily       []DayCount     `json:"daily"`
	TopContacts []ContactCount `json:"topContacts"`
	Heatmap     []HourCount    `json:"heatmap"`
}

const dayLayout = "2006-01-02"

// dailySeries lays counts out over every day of q, days without traffic count zero
func dailySeries(q ActivityQuery, counts map[string]DayCount) []DayCount {
	out := make([]DayCount, 0, q.Days)
	for d := q.since(); d.Before(q.until()); d = d.AddDate(0, 0, 1) {
		key := d.Format(dayLayout)
		c := counts[key]
		c.Day = key
		out = append(out, c)
	}
	return out
}

// isoWeekday maps time.Weekday to 1 (Monday) through 7 (Sunday)
func isoWeekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}
