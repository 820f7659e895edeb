// pkg/notify/sms.go

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// SMSConfig configures a Twilio compatible messaging endpoint.
type SMSConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	AccountSID string        `yaml:"account_sid"`
	AuthToken  string        `yaml:"auth_token"`
	From       string        `yaml:"from"`
	To         []string      `yaml:"to"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SMSSink texts every recipient once per event.
type SMSSink struct {
	conf   SMSConfig
	client *http.Client
}

func NewSMSSink(conf SMSConfig) *SMSSink {
	if conf.Endpoint == "" {
		conf.Endpoint = "https://api.twilio.com"
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	return &SMSSink{conf: conf, client: &http.Client{Timeout: conf.Timeout}}
}

// smsMessage returns the text sent for ev.
func smsMessage(ev Event) string {
	if ev.Kind == FocusChanged {
		return fmt.Sprintf("Focus state changed to '%s'", ev.Focus)
	}
	return "Face detected!"
}

type smsResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Message      string `json:"message"`
}

func (s *SMSSink) send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("From", s.conf.From)
	form.Set("To", to)
	form.Set("Body", body)
	u := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimSuffix(s.conf.Endpoint, "/"), url.PathEscape(s.conf.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(s.conf.AccountSID, s.conf.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var r smsResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &r)
	if resp.StatusCode >= 300 {
		msg := r.Message
		if msg == "" {
			msg = r.ErrorMessage
		}
		return "", &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return r.SID, nil
}

func (s *SMSSink) Handle(ctx context.Context, ev Event) error {
	body := smsMessage(ev)
	logger.Infof("Sending SMS to '%s'...", strings.Join(s.conf.To, ", "))
	var errs error
	for _, to := range s.conf.To {
		id, err := s.send(ctx, to, body)
		if err != nil {
			logger.Infof("Sending SMS to '%s' was failed: %s", to, err)
			errs = multierr.Append(errs, fmt.Errorf("sms to %s: %w", to, err))
			continue
		}
		logger.Infof("Sending SMS to '%s' was successful with message ID '%s'.", to, id)
	}
	return errs
}
