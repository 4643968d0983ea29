package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func testCatalog(t *testing.T) Catalog {
	t.Helper()
	c, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("load default catalog: %v", err)
	}
	return c
}

func newTestWhatsApp(t *testing.T, url string) *WhatsAppCloudSender {
	t.Helper()
	return NewWhatsAppSender(WhatsAppConfig{
		BaseURL:       url,
		PhoneNumberID: "1234",
		AccessToken:   "secret-token",
		Timeout:       2 * time.Second,
		RatePerSecond: 100,
	}, testCatalog(t), testLogger())
}

func TestCatalog_Default(t *testing.T) {
	c := testCatalog(t)
	tests := []struct {
		name   string
		params int
	}{
		{TemplateRegistration, 1},
		{TemplateAllotment, 4},
		{TemplateReminder, 4},
	}
	for _, tt := range tests {
		tpl, ok := c[tt.name]
		if !ok {
			t.Fatalf("template %s missing", tt.name)
		}
		if tpl.Params != tt.params {
			t.Errorf("%s: expected %d params, got %d", tt.name, tt.params, tpl.Params)
		}
		if tpl.Language != "en" {
			t.Errorf("%s: expected language en, got %s", tt.name, tpl.Language)
		}
	}
}

func TestCatalog_Check(t *testing.T) {
	c := testCatalog(t)

	if _, err := c.Check(TemplateRegistration, []string{"Ali"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Check(TemplateAllotment, []string{"Ali", "12 March 2026"}); err == nil {
		t.Fatal("expected arity error")
	}
	if _, err := c.Check("no_such_template", nil); err == nil {
		t.Fatal("expected unknown template error")
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "templates: [::"},
		{"missing name", "templates:\n  - params: 1\n"},
		{"negative params", "templates:\n  - name: x\n    params: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWhatsApp_SendTemplate(t *testing.T) {
	var got waMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1234/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer server.Close()

	s := newTestWhatsApp(t, server.URL)
	out := s.SendTemplate(context.Background(), "98765 43210", TemplateAllotment,
		[]string{"Ali", "12 March 2026", "Fajar Azaan", "05:20 AM"})

	if !out.OK() || out.ProviderID != "wamid.ABC" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got.To != "919876543210" {
		t.Errorf("expected normalized number, got %s", got.To)
	}
	if got.Type != "template" || got.Template == nil || got.Template.Name != TemplateAllotment {
		t.Fatalf("unexpected payload %+v", got)
	}
	params := got.Template.Components[0].Parameters
	if len(params) != 4 || params[3].Text != "05:20 AM" {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestWhatsApp_ValidatesBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	s := newTestWhatsApp(t, server.URL)
	ctx := context.Background()

	if out := s.SendTemplate(ctx, "9876543210", TemplateReminder, []string{"only one"}); out.Kind != Invalid {
		t.Errorf("arity mismatch: expected invalid, got %s", out.Kind)
	}
	if out := s.SendTemplate(ctx, "123", TemplateRegistration, []string{"Ali"}); out.Kind != Invalid {
		t.Errorf("bad phone: expected invalid, got %s", out.Kind)
	}
	if out := s.SendText(ctx, "9876543210", "  "); out.Kind != Invalid {
		t.Errorf("empty text: expected invalid, got %s", out.Kind)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no provider calls, got %d", calls.Load())
	}
}

func TestWhatsApp_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   OutcomeKind
	}{
		{"sandbox 63016", 400, `{"error":{"message":"not in allowed list","code":63016}}`, TerminalRestriction},
		{"sandbox 131030", 400, `{"error":{"message":"recipient not allowed","code":131030}}`, TerminalRestriction},
		{"rate limited", 429, `{"error":{"message":"slow down","code":130429}}`, Transient},
		{"server error", 502, `bad gateway`, Transient},
		{"bad request", 400, `{"error":{"message":"invalid parameter","code":100}}`, Invalid},
		{"unauthorized", 401, `{"error":{"message":"token expired","code":190}}`, Invalid},
		{"success without id", 200, `{"messages":[]}`, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			out := newTestWhatsApp(t, server.URL).SendText(context.Background(), "9876543210", "hello")
			if out.Kind != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, out.Kind, out.Detail)
			}
		})
	}
}

func TestWhatsApp_ConnectionErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	out := newTestWhatsApp(t, url).SendText(context.Background(), "9876543210", "hello")
	if out.Kind != Transient {
		t.Fatalf("expected transient, got %s", out.Kind)
	}
}

func TestExotel_Call(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/Accounts/khidmat/Calls/connect.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "token" {
			t.Errorf("unexpected basic auth %q %q", user, pass)
		}
		raw, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(raw))
		w.Write([]byte(`{"Call":{"Sid":"call-42"}}`))
	}))
	defer server.Close()

	s := NewExotelSender(ExotelConfig{
		BaseURL:  server.URL,
		SID:      "khidmat",
		APIKey:   "key",
		APIToken: "token",
		CallerID: "08012345678",
		FlowID:   "777",
	}, testLogger())

	out := s.Call(context.Background(), VoiceCallRequest{
		To:            "+91 98765-43210",
		Name:          "Ali",
		DutyName:      "Fajar Azaan",
		DutyDate:      time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC),
		ReportingTime: "05:20 AM",
	})
	if !out.OK() || out.ProviderID != "call-42" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if form.Get("From") != "919876543210" {
		t.Errorf("unexpected From %q", form.Get("From"))
	}
	if form.Get("CallerId") != "08012345678" {
		t.Errorf("unexpected CallerId %q", form.Get("CallerId"))
	}
	if !strings.HasSuffix(form.Get("Url"), "/khidmat/examl/start_voice/777") {
		t.Errorf("unexpected Url %q", form.Get("Url"))
	}
	custom, err := url.ParseQuery(form.Get("CustomField"))
	if err != nil {
		t.Fatalf("parse custom field: %v", err)
	}
	if custom.Get("duty_date") != "13/03/2026" || custom.Get("reporting_time") != "05:20 AM" {
		t.Errorf("unexpected custom field %v", custom)
	}
}

func TestExotel_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   OutcomeKind
	}{
		{http.StatusServiceUnavailable, Transient},
		{http.StatusTooManyRequests, Transient},
		{http.StatusForbidden, Invalid},
		{http.StatusBadRequest, Invalid},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		s := NewExotelSender(ExotelConfig{BaseURL: server.URL, SID: "khidmat"}, testLogger())
		out := s.Call(context.Background(), VoiceCallRequest{To: "9876543210"})
		server.Close()
		if out.Kind != tt.want {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.want, out.Kind)
		}
	}
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSES_SendEmail(t *testing.T) {
	client := &fakeSES{}
	s := NewSESSenderWithClient(client, "noreply@example.org", testLogger())

	out := s.SendEmail(context.Background(), Email{To: "ali@example.com", Subject: "Hi", Body: "Body"})
	if !out.OK() || out.ProviderID != "ses-1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if aws.ToString(client.input.Source) != "noreply@example.org" {
		t.Errorf("unexpected source %q", aws.ToString(client.input.Source))
	}
	if client.input.Destination.ToAddresses[0] != "ali@example.com" {
		t.Errorf("unexpected destination %v", client.input.Destination.ToAddresses)
	}
}

func TestSES_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected", Message: "address blacklisted", Fault: smithy.FaultClient}, Invalid},
		{"paused", &smithy.GenericAPIError{Code: "AccountSendingPausedException", Message: "paused", Fault: smithy.FaultClient}, TerminalRestriction},
		{"throttled", &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded", Fault: smithy.FaultClient}, Transient},
		{"server", &smithy.GenericAPIError{Code: "InternalFailure", Message: "oops", Fault: smithy.FaultServer}, Transient},
		{"network", errors.New("dial tcp: i/o timeout"), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSESSenderWithClient(&fakeSES{err: tt.err}, "noreply@example.org", testLogger())
			out := s.SendEmail(context.Background(), Email{To: "ali@example.com", Subject: "Hi", Body: "Body"})
			if out.Kind != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, out.Kind)
			}
		})
	}
}

func TestSES_RejectsMissingRecipient(t *testing.T) {
	client := &fakeSES{}
	s := NewSESSenderWithClient(client, "noreply@example.org", testLogger())
	out := s.SendEmail(context.Background(), Email{Subject: "Hi", Body: "Body"})
	if out.Kind != Invalid {
		t.Fatalf("expected invalid, got %s", out.Kind)
	}
	if client.input != nil {
		t.Fatal("provider should not be called")
	}
}
