package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/companion-agent/internal/config"
	"github.com/nugget/companion-agent/internal/proactive"
)

type fakeClient struct {
	published []*paho.Publish
	err       error
}

func (f *fakeClient) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}

func testPublisher() (*Publisher, *fakeClient) {
	p := New(config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "companion"}, nil)
	fc := &fakeClient{}
	p.client = fc
	return p, fc
}

func TestPublisher_TopicPaths(t *testing.T) {
	p, _ := testPublisher()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "companion/availability"},
		{"suggestions", p.suggestionTopic("u1"), "companion/users/u1/suggestions"},
		{"wildcards escaped", p.suggestionTopic("a/b+#"), "companion/users/a_b__/suggestions"},
		{"empty user", p.suggestionTopic(""), "companion/users/_/suggestions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("topic = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestNew_ClientID(t *testing.T) {
	p := New(config.MQTTConfig{Broker: "mqtt://x"}, nil)
	if !strings.HasPrefix(p.cfg.ClientID, "companion-") {
		t.Errorf("client id = %q", p.cfg.ClientID)
	}

	p = New(config.MQTTConfig{Broker: "mqtt://x", ClientID: "kitchen"}, nil)
	if p.cfg.ClientID != "kitchen" {
		t.Errorf("client id = %q, want kitchen", p.cfg.ClientID)
	}
}

func TestNotifySuggestions(t *testing.T) {
	p, fc := testPublisher()
	check := proactive.DailyCheck{
		UserID:    "u1",
		Timestamp: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		Suggestions: []proactive.Suggestion{
			{ID: "s1", Kind: proactive.KindTrafficAlert, Title: "Leave early", Relevance: 0.9},
		},
		Count: 1,
	}

	if err := p.NotifySuggestions(context.Background(), check); err != nil {
		t.Fatalf("NotifySuggestions: %v", err)
	}
	if len(fc.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fc.published))
	}

	msg := fc.published[0]
	if msg.Topic != "companion/users/u1/suggestions" || msg.QoS != 1 || msg.Retain {
		t.Errorf("publish = topic %q qos %d retain %v", msg.Topic, msg.QoS, msg.Retain)
	}
	var got proactive.DailyCheck
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Count != 1 || got.Suggestions[0].Kind != proactive.KindTrafficAlert {
		t.Errorf("payload = %+v", got)
	}
}

func TestNotifySuggestions_EmptyCheck(t *testing.T) {
	p, fc := testPublisher()
	if err := p.NotifySuggestions(context.Background(), proactive.DailyCheck{UserID: "u1"}); err != nil {
		t.Fatalf("NotifySuggestions: %v", err)
	}
	if len(fc.published) != 0 {
		t.Errorf("empty check published %d messages", len(fc.published))
	}
}

func TestNotifySuggestions_Errors(t *testing.T) {
	p := New(config.MQTTConfig{Broker: "mqtt://x", TopicPrefix: "companion"}, nil)
	if err := p.NotifySuggestions(context.Background(), proactive.DailyCheck{Count: 1}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}

	p, fc := testPublisher()
	fc.err = errors.New("broker gone")
	err := p.NotifySuggestions(context.Background(), proactive.DailyCheck{UserID: "u1", Count: 1})
	if err == nil || !strings.Contains(err.Error(), "companion/users/u1/suggestions") {
		t.Errorf("err = %v", err)
	}
}

func TestPublishAvailability(t *testing.T) {
	p, fc := testPublisher()
	p.publishAvailability(context.Background(), fc, "online")
	if len(fc.published) != 1 {
		t.Fatalf("published %d messages", len(fc.published))
	}
	msg := fc.published[0]
	if msg.Topic != "companion/availability" || string(msg.Payload) != "online" || !msg.Retain {
		t.Errorf("publish = %+v", msg)
	}
}

func TestStop_NotStarted(t *testing.T) {
	p, _ := testPublisher()
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}

func TestStart_BadBroker(t *testing.T) {
	p := New(config.MQTTConfig{Broker: "://bad", TopicPrefix: "companion"}, nil)
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start accepted an unparseable broker URL")
	}
}
