package nsqq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/dlqtriage/internal/postgres"
	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// fakeSubmitter records submitted records and fails those whose
// correlationId is listed in failFor.
type fakeSubmitter struct {
	mu      sync.Mutex
	records []map[string]any
	failFor map[string]bool
	sources []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, raw map[string]any) (*triage.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, raw)
	corr, _ := raw["correlationId"].(string)
	if f.failFor[corr] {
		return nil, errors.New("store unavailable")
	}
	return &triage.SubmitResult{ID: "dlq-" + corr, CorrelationID: corr}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeDelegate records how a message was answered.
type fakeDelegate struct {
	finished int
	requeued int
	delay    time.Duration
}

func (d *fakeDelegate) OnFinish(*nsq.Message) { d.finished++ }
func (d *fakeDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.requeued++
	d.delay = delay
}
func (d *fakeDelegate) OnTouch(*nsq.Message) {}

func newTestConsumer(t *testing.T, svc Submitter) (*Consumer, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	c, err := NewConsumer(ConsumerConfig{Topic: "orders_dlq", Channel: "triage", RequeueDelay: 3 * time.Second}, svc, nil, m)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return c, m
}

func newMessage(body string) (*nsq.Message, *fakeDelegate) {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, []byte(body))
	d := &fakeDelegate{}
	m.Delegate = d
	return m, d
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		body         string
		failFor      map[string]bool
		wantResult   string
		wantSubmits  int
		wantFinished int
		wantRequeued int
	}{
		{
			name:         "single record",
			body:         `{"correlationId":"c1","errorMessage":"timeout"}`,
			wantResult:   ResultFinished,
			wantSubmits:  1,
			wantFinished: 1,
		},
		{
			name:         "batch",
			body:         `[{"correlationId":"c1"},{"correlationId":"c2"}]`,
			wantResult:   ResultFinished,
			wantSubmits:  2,
			wantFinished: 1,
		},
		{
			name:         "not json is finished",
			body:         `not json`,
			wantResult:   ResultInvalid,
			wantFinished: 1,
		},
		{
			name:         "all records fail requeues",
			body:         `{"correlationId":"c1"}`,
			failFor:      map[string]bool{"c1": true},
			wantResult:   ResultRequeued,
			wantSubmits:  1,
			wantRequeued: 1,
		},
		{
			name:         "partial failure finishes",
			body:         `[{"correlationId":"c1"},{"correlationId":"c2"}]`,
			failFor:      map[string]bool{"c2": true},
			wantResult:   ResultPartial,
			wantSubmits:  2,
			wantFinished: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &fakeSubmitter{failFor: tt.failFor}
			c, metrics := newTestConsumer(t, svc)
			msg, d := newMessage(tt.body)

			if err := c.HandleMessage(msg); err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}
			if got := svc.count(); got != tt.wantSubmits {
				t.Errorf("submits = %d, want %d", got, tt.wantSubmits)
			}
			if d.finished != tt.wantFinished {
				t.Errorf("finished = %d, want %d", d.finished, tt.wantFinished)
			}
			if d.requeued != tt.wantRequeued {
				t.Errorf("requeued = %d, want %d", d.requeued, tt.wantRequeued)
			}
			if tt.wantRequeued > 0 && d.delay != 3*time.Second {
				t.Errorf("requeue delay = %v, want 3s", d.delay)
			}
			if got := testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues(tt.wantResult)); got != 1 {
				t.Errorf("messages_total{result=%q} = %v, want 1", tt.wantResult, got)
			}
		})
	}
}

func TestConsumerSubmitsWithRunnerSource(t *testing.T) {
	t.Parallel()

	var gotSource string
	svc := submitterFunc(func(ctx context.Context, raw map[string]any) (*triage.SubmitResult, error) {
		gotSource = postgres.SourceFromContext(ctx)
		return &triage.SubmitResult{ID: "x"}, nil
	})
	c, _ := newTestConsumer(t, svc)
	c.ctx = postgres.WithSource(context.Background(), postgres.SourceRunner)

	if got := c.process(c.ctx, []byte(`{"correlationId":"c1"}`)); got != ResultFinished {
		t.Fatalf("result = %q, want %q", got, ResultFinished)
	}
	if gotSource != postgres.SourceRunner {
		t.Errorf("source = %q, want %q", gotSource, postgres.SourceRunner)
	}
}

type submitterFunc func(ctx context.Context, raw map[string]any) (*triage.SubmitResult, error)

func (f submitterFunc) Submit(ctx context.Context, raw map[string]any) (*triage.SubmitResult, error) {
	return f(ctx, raw)
}

func TestNewConsumerRequiresSubmitter(t *testing.T) {
	t.Parallel()
	if _, err := NewConsumer(ConsumerConfig{Topic: "t", Channel: "c"}, nil, nil, nil); err == nil {
		t.Fatal("expected error for nil submitter")
	}
}

func TestNewConsumerRejectsBadTopic(t *testing.T) {
	t.Parallel()
	if _, err := NewConsumer(ConsumerConfig{Topic: "bad topic!", Channel: "c"}, &fakeSubmitter{}, nil, nil); err == nil {
		t.Fatal("expected error for invalid topic name")
	}
}

// fakePublisher records published bodies.
type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	err    error
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func TestRedriveIncrementsAttempts(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	r, err := NewRedriver(pub, "orders")
	if err != nil {
		t.Fatalf("NewRedriver: %v", err)
	}

	raw := map[string]any{
		"correlationId":   "c1",
		"errorMessage":    "timeout",
		"redriveAttempts": 1,
		"orderId":         "o-42",
	}
	msg, err := triage.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if err := r.Redrive(context.Background(), msg); err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if len(pub.bodies) != 1 || pub.topics[0] != "orders" {
		t.Fatalf("published %d bodies to %v", len(pub.bodies), pub.topics)
	}

	var got map[string]any
	if err := json.Unmarshal(pub.bodies[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["redriveAttempts"] != float64(2) {
		t.Errorf("redriveAttempts = %v, want 2", got["redriveAttempts"])
	}
	if got["orderId"] != "o-42" {
		t.Errorf("orderId = %v, want original field preserved", got["orderId"])
	}
	if raw["redriveAttempts"] != 1 {
		t.Errorf("original record mutated: redriveAttempts = %v", raw["redriveAttempts"])
	}
}

func TestRedriveRecordCarryingRawField(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	r, _ := NewRedriver(pub, "orders")
	msg, err := triage.Normalize(map[string]any{
		"correlationId": "c1",
		"errorMessage":  "boom",
		"raw":           map[string]any{"body": "x"},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if err := r.Redrive(context.Background(), msg); err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(pub.bodies[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["correlationId"] != "c1" || got["errorMessage"] != "boom" {
		t.Errorf("body = %v, want the whole record republished", got)
	}
	if inner, ok := got["raw"].(map[string]any); !ok || inner["body"] != "x" {
		t.Errorf("raw = %v, want the record's own raw field", got["raw"])
	}
}

func TestRedriveWithoutRaw(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	r, _ := NewRedriver(pub, "orders")
	msg := triage.FailedMessage{CorrelationID: "c1", FailureCategory: "TRANSIENT", RedriveAttempts: 0}

	if err := r.Redrive(context.Background(), msg); err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(pub.bodies[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["correlationId"] != "c1" || got["redriveAttempts"] != float64(1) {
		t.Errorf("body = %v", got)
	}
	if _, ok := got["raw"]; ok {
		t.Error("body should not nest a raw field")
	}
}

func TestRedriveErrors(t *testing.T) {
	t.Parallel()

	t.Run("publish failure", func(t *testing.T) {
		t.Parallel()
		r, _ := NewRedriver(&fakePublisher{err: errors.New("nsqd down")}, "orders")
		if err := r.Redrive(context.Background(), triage.FailedMessage{CorrelationID: "c1"}); err == nil {
			t.Fatal("expected publish error")
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		t.Parallel()
		pub := &fakePublisher{}
		r, _ := NewRedriver(pub, "orders")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := r.Redrive(ctx, triage.FailedMessage{CorrelationID: "c1"}); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if len(pub.bodies) != 0 {
			t.Error("nothing should be published after cancel")
		}
	})

	t.Run("constructor", func(t *testing.T) {
		t.Parallel()
		if _, err := NewRedriver(nil, "orders"); err == nil {
			t.Error("expected error for nil publisher")
		}
		if _, err := NewRedriver(&fakePublisher{}, ""); err == nil {
			t.Error("expected error for empty topic")
		}
	})
}
