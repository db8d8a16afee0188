package pipeline

import (
	"context"
	"sync"

	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/types/behavior"
)

// Card is a result shown in a panel rather than typed into the focused app.
type Card struct {
	Result      string
	Utterance   string
	Definition  *skills.Definition
	Behavior    behavior.Behavior
	Diagnostics map[string]string
}

// Failure describes an invocation that could not produce any output.
type Failure struct {
	Utterance  string
	Definition *skills.Definition
	Behavior   behavior.Behavior
	Err        error
}

// Callbacks receive the result of an invocation. They are always called
// through the pipeline's Dispatcher.
type Callbacks interface {
	DirectOutput(text string)
	Rewrite(text string)
	Card(card Card)
	Error(failure Failure)
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are no-ops.
type CallbackFuncs struct {
	OnDirectOutput func(text string)
	OnRewrite      func(text string)
	OnCard         func(card Card)
	OnError        func(failure Failure)
}

func (c CallbackFuncs) DirectOutput(text string) {
	if c.OnDirectOutput != nil {
		c.OnDirectOutput(text)
	}
}

func (c CallbackFuncs) Rewrite(text string) {
	if c.OnRewrite != nil {
		c.OnRewrite(text)
	}
}

func (c CallbackFuncs) Card(card Card) {
	if c.OnCard != nil {
		c.OnCard(card)
	}
}

func (c CallbackFuncs) Error(failure Failure) {
	if c.OnError != nil {
		c.OnError(failure)
	}
}

// Dispatcher runs callbacks on the execution context that owns the UI.
type Dispatcher interface {
	Dispatch(fn func())
}

// SyncDispatcher runs callbacks inline on the invoking goroutine.
type SyncDispatcher struct{}

func (SyncDispatcher) Dispatch(fn func()) { fn() }

// QueueDispatcher hands callbacks to a single goroutine running Run.
type QueueDispatcher struct {
	queue chan func()

	done      chan struct{}
	closeOnce sync.Once
}

// NewQueueDispatcher creates a dispatcher buffering up to size callbacks.
func NewQueueDispatcher(size int) *QueueDispatcher {
	if size < 0 {
		size = 0
	}
	return &QueueDispatcher{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Dispatch enqueues fn. It blocks while the buffer is full and drops fn once
// the dispatcher is closed, including while it is waiting for room.
func (d *QueueDispatcher) Dispatch(fn func()) {
	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.queue <- fn:
	case <-d.done:
	}
}

// Close stops accepting callbacks. Run returns after draining the queue.
func (d *QueueDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Run executes queued callbacks until the context is done or the dispatcher
// is closed.
func (d *QueueDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-d.queue:
			fn()
		case <-d.done:
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return nil
				}
			}
		}
	}
}
