package worker

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/pkg/resilience"
)

// capturePublish collects everything the intake republishes.
type capturePublish struct {
	msgs []*nats.Msg
}

func (p *capturePublish) publish(m *nats.Msg) error {
	p.msgs = append(p.msgs, m)
	return nil
}

func intakeMsg(t *testing.T, req IntakeRequest) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m := nats.NewMsg(IntakeSubject)
	m.Data = data
	return m
}

func TestIntakeHandlerSubmitsValidKinds(t *testing.T) {
	r := &gateRunner{}
	w := New(r, discardLogger(), nil)
	w.Start()
	defer shutdown(t, w)

	cfg := func() config.Config {
		return config.Config{Ingest: config.Ingest{ChunkSize: 42}}
	}
	pub := &capturePublish{}
	handle := intakeHandler(w, cfg, nil, pub.publish, discardLogger())

	handle(intakeMsg(t, IntakeRequest{Kind: KindIngestURL, Args: map[string]string{"url": "https://x/doc"}}))

	list := w.List()
	if len(list) != 1 || list[0].Kind != KindIngestURL {
		t.Fatalf("list = %+v", list)
	}
	waitStatus(t, w, list[0].ID, StatusSucceeded)
	if got := r.jobs(); len(got) != 1 || got[0].Config.Ingest.ChunkSize != 42 {
		t.Fatalf("ran = %+v", got)
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("accepted submission must not republish: %+v", pub.msgs)
	}
}

func TestIntakeUnknownKindGoesToDeadLetter(t *testing.T) {
	w := New(&gateRunner{}, discardLogger(), nil)
	w.Start()
	defer shutdown(t, w)

	pub := &capturePublish{}
	handle := intakeHandler(w, func() config.Config { return config.Config{} }, nil, pub.publish, discardLogger())

	handle(intakeMsg(t, IntakeRequest{Kind: "make_coffee"}))

	if list := w.List(); len(list) != 0 {
		t.Fatalf("list = %+v", list)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Subject != DLQSubject {
		t.Fatalf("msgs = %+v", pub.msgs)
	}
	var dl deadLetter
	if err := json.Unmarshal(pub.msgs[0].Data, &dl); err != nil {
		t.Fatalf("unmarshal DLQ: %v", err)
	}
	if dl.Error != `unknown kind "make_coffee"` {
		t.Fatalf("dlq error = %q", dl.Error)
	}
}

func TestIntakeMalformedGoesToDeadLetter(t *testing.T) {
	w := New(&gateRunner{}, discardLogger(), nil)
	w.Start()
	defer shutdown(t, w)

	pub := &capturePublish{}
	handle := intakeHandler(w, func() config.Config { return config.Config{} }, nil, pub.publish, discardLogger())

	m := nats.NewMsg(IntakeSubject)
	m.Data = []byte("{not json")
	handle(m)

	if len(pub.msgs) != 1 || pub.msgs[0].Subject != DLQSubject {
		t.Fatalf("msgs = %+v", pub.msgs)
	}
	var dl deadLetter
	if err := json.Unmarshal(pub.msgs[0].Data, &dl); err != nil {
		t.Fatalf("unmarshal DLQ: %v", err)
	}
	if dl.Data != "{not json" {
		t.Fatalf("dlq data = %q", dl.Data)
	}
}

func TestIntakeShedRepublishesWithRetryCount(t *testing.T) {
	r := &gateRunner{}
	w := New(r, discardLogger(), nil)
	w.Start()
	defer shutdown(t, w)

	// One token, no refill: the second submission is shed.
	lim := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0, Burst: 1})
	pub := &capturePublish{}
	handle := intakeHandler(w, func() config.Config { return config.Config{} }, lim, pub.publish, discardLogger())

	handle(intakeMsg(t, IntakeRequest{Kind: KindIngestPath, Args: map[string]string{"path": "/a"}}))
	handle(intakeMsg(t, IntakeRequest{Kind: KindIngestPath, Args: map[string]string{"path": "/b"}}))

	if list := w.List(); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Subject != IntakeSubject {
		t.Fatalf("msgs = %+v", pub.msgs)
	}
	if got := pub.msgs[0].Header.Get(retryHeader); got != "1" {
		t.Fatalf("retry header = %q", got)
	}
}

func TestIntakeExhaustedRetriesDeadLetter(t *testing.T) {
	w := New(&gateRunner{}, discardLogger(), nil)
	w.Start()
	defer shutdown(t, w)

	lim := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0, Burst: 1})
	lim.Allow()
	pub := &capturePublish{}
	handle := intakeHandler(w, func() config.Config { return config.Config{} }, lim, pub.publish, discardLogger())

	m := intakeMsg(t, IntakeRequest{Kind: KindIngestPath, Args: map[string]string{"path": "/a"}})
	m.Header.Set(retryHeader, strconv.Itoa(maxIntakeRetries-1))
	handle(m)

	if len(pub.msgs) != 1 || pub.msgs[0].Subject != DLQSubject {
		t.Fatalf("msgs = %+v", pub.msgs)
	}
	var dl deadLetter
	if err := json.Unmarshal(pub.msgs[0].Data, &dl); err != nil {
		t.Fatalf("unmarshal DLQ: %v", err)
	}
	if dl.Retries != maxIntakeRetries-1 || dl.Error != "shed" {
		t.Fatalf("dlq = %+v", dl)
	}
}
