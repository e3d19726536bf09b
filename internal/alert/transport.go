package alert

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

const (
	twilioTransportName = "twilio"
	logTransportName    = "log"
)

// TwilioConfig holds Twilio credentials and the sending number.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type messageCreator interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// TwilioTransport sends alerts as SMS through Twilio.
type TwilioTransport struct {
	api  messageCreator
	from string
}

// NewTwilioTransport constructs a Twilio-backed transport.
func NewTwilioTransport(cfg TwilioConfig) (*TwilioTransport, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("alert: twilio credentials are required")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, errors.New("alert: twilio from number is required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioTransport{api: client.Api, from: strings.TrimSpace(cfg.FromNumber)}, nil
}

func (t *TwilioTransport) Name() string {
	return twilioTransportName
}

// Send creates the SMS. The Twilio client has no context support, so
// cancellation is only honoured before the request starts.
func (t *TwilioTransport) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(body)
	_, err := t.api.CreateMessage(params)
	return err
}

// LogTransport writes alerts to the log instead of sending them.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport constructs a transport for development setups without SMS credentials.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string {
	return logTransportName
}

func (t *LogTransport) Send(_ context.Context, to, body string) error {
	t.logger.Info("alert (log transport)", zap.String("to", to), zap.String("body", body))
	return nil
}
