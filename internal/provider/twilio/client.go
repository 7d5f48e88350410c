package twilio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/call-pilot/internal/events"
	"github.com/chadiek/call-pilot/internal/provider"
)

// callsAPI is the subset of the Twilio v2010 API used here.
type callsAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	FetchCall(sid string, params *twilioApi.FetchCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Client places and controls calls over plain Twilio programmable voice. Twilio
// has no conversational assistant, so calls only speak the first message and
// keep the line open for keypad navigation and transfer.
type Client struct {
	api  callsAPI
	from string
}

var _ provider.Provider = (*Client)(nil)

func New(cfg Config) *Client {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{api: rc.Api, from: cfg.FromNumber}
}

func (c *Client) CreateCall(ctx context.Context, req provider.CallRequest) (string, error) {
	if err := provider.ValidateNumber(req.To); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", provider.NewError("create call", 0, err)
	}
	doc, err := greetingTwiML(req.Assistant)
	if err != nil {
		return "", provider.NewError("create call", 0, err)
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(c.from)
	params.SetTwiml(doc)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	if req.Assistant.MaxDurationSeconds > 0 {
		params.SetTimeLimit(req.Assistant.MaxDurationSeconds)
	}
	resp, err := c.api.CreateCall(params)
	if err != nil {
		return "", wrap("create call", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", provider.NewError("create call", 200, errors.New("response has no call sid"))
	}
	return *resp.Sid, nil
}

func (c *Client) GetCall(ctx context.Context, callID string) (provider.Call, error) {
	if err := ctx.Err(); err != nil {
		return provider.Call{}, provider.NewError("get call", 0, err)
	}
	resp, err := c.api.FetchCall(callID, &twilioApi.FetchCallParams{})
	if err != nil {
		return provider.Call{}, wrap("get call", err)
	}
	return toCall(callID, resp), nil
}

func (c *Client) SendDigit(ctx context.Context, callID, digit string) error {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoicePlay{Digits: digit},
		&twiml.VoicePause{Length: "60"},
	})
	if err != nil {
		return provider.NewError("send digit", 0, err)
	}
	return c.update(ctx, "send digit", callID, func(p *twilioApi.UpdateCallParams) { p.SetTwiml(doc) })
}

func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.update(ctx, "end call", callID, func(p *twilioApi.UpdateCallParams) { p.SetStatus("completed") })
}

func (c *Client) TransferCall(ctx context.Context, callID, destination, msg string) error {
	if err := provider.ValidateNumber(destination); err != nil {
		return err
	}
	var verbs []twiml.Element
	if msg != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: msg})
	}
	verbs = append(verbs, &twiml.VoiceDial{Number: destination})
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return provider.NewError("transfer call", 0, err)
	}
	return c.update(ctx, "transfer call", callID, func(p *twilioApi.UpdateCallParams) { p.SetTwiml(doc) })
}

func (c *Client) update(ctx context.Context, op, callID string, set func(*twilioApi.UpdateCallParams)) error {
	if err := ctx.Err(); err != nil {
		return provider.NewError(op, 0, err)
	}
	params := &twilioApi.UpdateCallParams{}
	set(params)
	if _, err := c.api.UpdateCall(callID, params); err != nil {
		return wrap(op, err)
	}
	return nil
}

func greetingTwiML(a provider.Assistant) (string, error) {
	var verbs []twiml.Element
	if a.FirstMessage != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: a.FirstMessage})
	}
	verbs = append(verbs, &twiml.VoicePause{Length: "60"})
	return twiml.Voice(verbs)
}

// wrap classifies Twilio REST errors by HTTP status.
func wrap(op string, err error) error {
	var te *twclient.TwilioRestError
	if errors.As(err, &te) {
		return provider.NewError(op, te.Status, fmt.Errorf("twilio %d: %s", te.Code, te.Message))
	}
	return provider.NewError(op, 0, err)
}

func toCall(callID string, r *twilioApi.ApiV2010Call) provider.Call {
	c := provider.Call{ID: callID}
	if r == nil {
		return c
	}
	if r.Sid != nil {
		c.ID = *r.Sid
	}
	if r.Status != nil {
		c.Status = *r.Status
	}
	c.StartedAt = parseTime(r.StartTime)
	if provider.IsTerminalStatus(c.Status) {
		c.EndedAt = parseTime(r.EndTime)
		c.EndedReason = c.Status
	}
	if r.Price != nil {
		if p, err := strconv.ParseFloat(*r.Price, 64); err == nil {
			// Twilio reports charges as negative amounts
			c.Cost = -p
		}
	}
	return c
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC1123Z, *s)
	if err != nil {
		return nil
	}
	return &t
}

// StatusEvent turns a Twilio status callback into a canonical event for the call it
// names. Callbacks without a CallSid return an empty id.
func StatusEvent(params map[string]string) (string, events.Event) {
	callID := params["CallSid"]
	status := strings.ToLower(strings.TrimSpace(params["CallStatus"]))
	if status == "" {
		status = "unknown"
	}
	return callID, events.StatusChanged{Status: status}
}
