package actions

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// TwilioClient implements Messenger and CallController on the Twilio REST API.
type TwilioClient struct {
	client *twilio.RestClient
	from   string
	logger *zap.Logger
}

// NewTwilioClient creates a REST client for accountSid. Messages are sent from
// the number from.
func NewTwilioClient(accountSid, authToken, from string, logger *zap.Logger) *TwilioClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioClient{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSid,
			Password: authToken,
		}),
		from:   from,
		logger: logger.Named("twilio-rest"),
	}
}

// SendSMS implements Messenger.
func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) error {
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	return runWithContext(ctx, func() error {
		resp, err := c.client.Api.CreateMessage(params)
		if err != nil {
			return fmt.Errorf("create message to %s: %w", to, err)
		}
		if resp.Sid != nil {
			c.logger.Info("sms sent", zap.String("to", to), zap.String("message_sid", *resp.Sid))
		}
		return nil
	})
}

// RedirectCall implements CallController.
func (c *TwilioClient) RedirectCall(ctx context.Context, callSid, twimlDoc string) error {
	params := &api.UpdateCallParams{}
	params.SetTwiml(twimlDoc)

	return runWithContext(ctx, func() error {
		if _, err := c.client.Api.UpdateCall(callSid, params); err != nil {
			return fmt.Errorf("update call %s: %w", callSid, err)
		}
		c.logger.Info("call redirected", zap.String("call_sid", callSid))
		return nil
	})
}

// runWithContext runs fn and returns early with ctx's error if ctx ends first.
// The REST client has no context support, so fn keeps running in that case.
func runWithContext(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogOnlyClient stands in for TwilioClient when no credentials are configured.
type LogOnlyClient struct {
	logger *zap.Logger
}

// NewLogOnlyClient creates a LogOnlyClient.
func NewLogOnlyClient(logger *zap.Logger) *LogOnlyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogOnlyClient{logger: logger.Named("twilio-rest")}
}

// SendSMS implements Messenger.
func (c *LogOnlyClient) SendSMS(_ context.Context, to, body string) error {
	c.logger.Warn("twilio not configured, sms not sent", zap.String("to", to), zap.Int("body_len", len(body)))
	return nil
}

// RedirectCall implements CallController.
func (c *LogOnlyClient) RedirectCall(_ context.Context, callSid, _ string) error {
	c.logger.Warn("twilio not configured, call not redirected", zap.String("call_sid", callSid))
	return nil
}
