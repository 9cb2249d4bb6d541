package tool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MeetingBooker records meeting requests made through bookSalesMeeting.
type MeetingBooker interface {
	BookMeeting(ctx context.Context, chatID, phone string, at time.Time) (int64, error)
}

// CatalogConfig holds the collaborators of the built-in tools.
type CatalogConfig struct {
	Booker   MeetingBooker // optional
	Now      func() time.Time
	Location *time.Location // business hours are evaluated here; default UTC
}

const (
	businessOpenHour  = 9
	businessCloseHour = 18
	meetingLayout     = "2006-01-02 15:04"
)

const planPrices = "*Send & Receive messages + API + Webhooks + Team Chat + Campaigns + CRM + Analytics*\n\n" +
	"- Platform Professional: 30,000 messages + unlimited inbound messages + 10 campaigns / month\n" +
	"- Platform Business: 60,000 messages + unlimited inbound messages + 20 campaigns / month\n" +
	"- Platform Enterprise: unlimited messages + 30 campaigns\n\n" +
	"Each plan is limited to one WhatsApp number. You can purchase multiple plans if you have multiple numbers.\n\n" +
	"*Find more information about the different plan prices and features here:*\n" +
	"https://wassenger.com/#pricing"

// Catalog returns the bot's fixed tool set in presentation order.
func Catalog(cfg CatalogConfig) []Tool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	c := catalog{cfg: cfg}
	dateParam := ToolParameters(map[string]Param{
		"date": {Type: "string", Format: "date-time", Description: "Date of the meeting"},
	}, []string{"date"})

	return []Tool{
		{
			Name:        "getPlanPrices",
			Description: "Get available plans and prices information available in Wassenger",
			Parameters:  ToolParameters(nil, nil),
			Handler:     c.planPrices,
		},
		{
			Name:        "loadUserInformation",
			Description: "Find user name and email from the CRM",
			Parameters:  ToolParameters(nil, nil),
			Handler:     c.userInformation,
		},
		{
			Name:        "verifyMeetingAvailability",
			Description: "Verify if a given date and time is available for a meeting before booking it",
			Parameters:  dateParam,
			Handler:     c.verifyAvailability,
		},
		{
			Name:        "bookSalesMeeting",
			Description: "Book a sales or demo meeting with the customer on a specific date and time",
			Parameters:  dateParam,
			Handler:     c.bookMeeting,
		},
		{
			Name:        "currentDateAndTime",
			Description: "What is the current date and time",
			Parameters:  ToolParameters(nil, nil),
			Handler:     c.currentDateAndTime,
		},
	}
}

type catalog struct {
	cfg CatalogConfig
}

func (c catalog) planPrices(_ context.Context, _ Args, _ Call) (string, error) {
	return planPrices, nil
}

// userInformation is a placeholder until a CRM is connected.
func (c catalog) userInformation(_ context.Context, _ Args, _ Call) (string, error) {
	return "I am sorry, I am not able to access the CRM at the moment. Please try again later.", nil
}

func (c catalog) verifyAvailability(_ context.Context, args Args, _ Call) (string, error) {
	at, hasTime, ok := parseMeetingDate(args.String("date"), c.cfg.Location)
	if !ok {
		return "Please provide a valid date and time for the meeting.", nil
	}
	if !isWorkday(at) {
		return "The requested date falls outside our business hours. Please choose a date during our working days (Monday to Friday).", nil
	}
	if hasTime && (at.Hour() < businessOpenHour || at.Hour() >= businessCloseHour) {
		return fmt.Sprintf("The requested time falls outside our business hours (%d:00 - %d:00). Please choose another time.",
			businessOpenHour, businessCloseHour), nil
	}
	return fmt.Sprintf("The requested date and time (%s) appears to be available during our business hours. "+
		"Please note that this is a preliminary check. Final confirmation will be provided by our team.",
		at.Format(meetingLayout)), nil
}

func (c catalog) bookMeeting(ctx context.Context, args Args, call Call) (string, error) {
	at, _, ok := parseMeetingDate(args.String("date"), c.cfg.Location)
	if !ok {
		return "Please provide a valid date and time to book the meeting.", nil
	}
	if c.cfg.Booker != nil {
		if _, err := c.cfg.Booker.BookMeeting(ctx, call.Message.Chat.ID, call.Message.FromNumber, at); err != nil {
			return "", fmt.Errorf("book meeting: %w", err)
		}
	}
	return fmt.Sprintf("I have submitted a request to book a sales meeting for %s. "+
		"Our sales team will contact you shortly to confirm the meeting details and provide the meeting link. "+
		"Please make sure to check your email for the confirmation.", at.Format(meetingLayout)), nil
}

func (c catalog) currentDateAndTime(_ context.Context, _ Args, _ Call) (string, error) {
	now := c.cfg.Now().UTC()
	return fmt.Sprintf("The current date and time is: %s UTC", now.Format("2006-01-02 15:04:05")), nil
}

var dateLayouts = []struct {
	layout  string
	hasTime bool
}{
	{time.RFC3339, true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02T15:04", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02 15:04", true},
	{"2006-01-02", false},
}

// parseMeetingDate accepts RFC3339 and a few common local layouts. Layouts
// without a zone are read in loc.
func parseMeetingDate(s string, loc *time.Location) (time.Time, bool, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, false
	}
	for _, l := range dateLayouts {
		if t, err := time.ParseInLocation(l.layout, s, loc); err == nil {
			return t.In(loc), l.hasTime, true
		}
	}
	return time.Time{}, false, false
}

func isWorkday(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}
