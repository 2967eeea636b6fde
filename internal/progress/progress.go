// Package progress exposes a job's observable steps as an event stream.
// All updates funnel through a single writer goroutine; subscribers get a
// bounded buffer with drop-oldest, so the pipeline never blocks on a slow
// consumer.
package progress

import (
	"sync"
	"time"
)

// Fixed step vocabulary consumed by the UI layer.
const (
	StepFetch              = "fetch_task"
	StepExtract            = "extract_audio"
	StepTranscribe         = "transcribe_asr"
	StepSummariseDirect    = "summarise_direct"
	StepSummariseMapReduce = "summarise_map_reduce"
	StepEmit               = "emit_output"
)

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// stepOrder defines presentation order for snapshots.
var stepOrder = []string{
	StepFetch, StepExtract, StepTranscribe,
	StepSummariseDirect, StepSummariseMapReduce, StepEmit,
}

// Step is one observable unit of work.
type Step struct {
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Note      string     `json:"note,omitempty"`
}

// Event is one step transition, or the terminal outcome of the job.
type Event struct {
	JobID    string `json:"job_id"`
	Step     *Step  `json:"step,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Error    string `json:"error,omitempty"`
}

const subscriberBuffer = 64

type update struct {
	step     string
	status   string
	note     string
	terminal bool
	answer   string
	err      string
}

// Tracker tracks one job's progress steps.
type Tracker struct {
	jobID   string
	updates chan update
	done    chan struct{}

	mu     sync.Mutex
	steps  map[string]*Step
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewTracker(jobID string) *Tracker {
	t := &Tracker{
		jobID:   jobID,
		updates: make(chan update, 256),
		done:    make(chan struct{}),
		steps:   make(map[string]*Step),
		subs:    make(map[int]chan Event),
	}
	for _, name := range stepOrder {
		t.steps[name] = &Step{Name: name, Status: StatusPending}
	}
	go t.loop()
	return t
}

func (t *Tracker) loop() {
	for u := range t.updates {
		t.apply(u)
	}
	close(t.done)
}

func (t *Tracker) apply(u update) {
	t.mu.Lock()

	var ev Event
	if u.terminal {
		ev = Event{JobID: t.jobID, Terminal: true, Answer: u.answer, Error: u.err}
	} else {
		step, ok := t.steps[u.step]
		if !ok {
			step = &Step{Name: u.step}
			t.steps[u.step] = step
		}
		now := time.Now().UTC()
		step.Status = u.status
		step.Note = u.note
		switch u.status {
		case StatusRunning:
			step.StartedAt = &now
		case StatusDone, StatusError:
			step.EndedAt = &now
		}
		copied := *step
		ev = Event{JobID: t.jobID, Step: &copied}
	}

	subs := make([]chan Event, 0, len(t.subs))
	for _, ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		deliver(ch, ev)
	}
}

// deliver sends without blocking, dropping the oldest buffered event when the
// subscriber has fallen behind.
func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

func (t *Tracker) send(u update) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.updates <- u
}

// Begin marks a step running.
func (t *Tracker) Begin(step string) {
	t.send(update{step: step, status: StatusRunning})
}

// Done marks a step done with an optional note.
func (t *Tracker) Done(step, note string) {
	t.send(update{step: step, status: StatusDone, note: note})
}

// Fail marks a step errored.
func (t *Tracker) Fail(step, note string) {
	t.send(update{step: step, status: StatusError, note: note})
}

// Finish emits the terminal success event.
func (t *Tracker) Finish(answer string) {
	t.send(update{terminal: true, answer: answer})
}

// FinishError emits the terminal failure event with a human-readable reason.
func (t *Tracker) FinishError(reason string) {
	t.send(update{terminal: true, err: reason})
}

// Subscribe registers a new event consumer. The returned cancel function
// removes the subscription; the channel stays open because the writer
// goroutine may already hold it for an in-flight delivery. Only Close, after
// the writer has stopped, closes subscriber channels.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns the current state of all steps in presentation order.
func (t *Tracker) Snapshot() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Step, 0, len(t.steps))
	for _, name := range stepOrder {
		if s, ok := t.steps[name]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// Close drains pending updates, closes all subscriber channels, and stops the
// writer goroutine.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.updates)
	<-t.done

	t.mu.Lock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.mu.Unlock()
}
