package notifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"otp-service/internal/util"
)

// SMSConfig configures the Twilio-compatible SMS sender.
type SMSConfig struct {
	APIURL     string
	AccountSID string
	AuthToken  string
	FromNumber string
}

// SMSNotifier delivers verification codes through a Twilio-compatible
// messaging API.
type SMSNotifier struct {
	endpoint   string
	accountSID string
	authToken  string
	from       string
	httpClient *http.Client
}

func NewSMSNotifier(cfg SMSConfig) (*SMSNotifier, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("sms account sid and auth token are required")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("sms from number is required")
	}

	apiURL := strings.TrimSuffix(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.twilio.com"
	}

	return &SMSNotifier{
		endpoint:   fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", apiURL, cfg.AccountSID),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (n *SMSNotifier) Send(ctx context.Context, identifier, code string, expiry time.Duration) error {
	minutes := int(expiry.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	message := fmt.Sprintf("Your verification code is %s. This code expires in %d minutes. Do not share this code with anyone.", code, minutes)

	form := url.Values{}
	form.Set("To", identifier)
	form.Set("From", n.from)
	form.Set("Body", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.SetBasicAuth(n.accountSID, n.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		util.Error("failed to send verification sms",
			util.String("to", util.MaskIdentifier(identifier)),
			util.ErrorField(err))
		return fmt.Errorf("failed to send verification sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		util.Error("sms api rejected message",
			util.String("to", util.MaskIdentifier(identifier)),
			util.Int("status", resp.StatusCode))
		return fmt.Errorf("sms api returned status %d: %s", resp.StatusCode, string(body))
	}

	util.Debug("verification sms sent", util.String("to", util.MaskIdentifier(identifier)))
	return nil
}
