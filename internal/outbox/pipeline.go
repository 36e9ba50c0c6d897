// Package outbox moves locally composed messages through transcription,
// translation and delivery.
package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/bus"
	"github.com/matheus3301/parla/internal/queue"
	"github.com/matheus3301/parla/internal/translate"
)

// MessageSender publishes translated messages and records failures.
type MessageSender interface {
	SendMessage(ctx context.Context, m queue.Message) error
	ReportFailure(id string, err error)
}

// Options configures a Pipeline.
type Options struct {
	PollInterval time.Duration
	// ProcessingTimeout bounds how long a message may stay in processing
	// before it is reported failed. Zero disables the watchdog.
	ProcessingTimeout time.Duration
	Bus               *bus.Bus
	Logger            *zap.Logger
}

type job struct {
	id      string
	started time.Time
}

// Pipeline drains queued messages from the queue.
type Pipeline struct {
	queue       *queue.Queue
	translator  translate.Translator
	transcriber translate.Transcriber
	sender      MessageSender
	opts        Options
	log         *zap.Logger

	mu       sync.Mutex
	inflight map[string]*job
	audio    map[string][]byte
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	work  chan *job
	nudge chan struct{}
}

// NewPipeline creates a stopped pipeline. transcriber may be nil when
// audio input is not used.
func NewPipeline(q *queue.Queue, tr translate.Translator, tc translate.Transcriber, s MessageSender, opts Options) *Pipeline {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		queue:       q,
		translator:  tr,
		transcriber: tc,
		sender:      s,
		opts:        opts,
		log:         log,
		inflight:    make(map[string]*job),
		audio:       make(map[string][]byte),
		work:        make(chan *job, 64),
		nudge:       make(chan struct{}, 1),
	}
}

// Start begins polling the queue.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(2)
	go p.loop(ctx)
	go p.worker(ctx)
}

// Stop stops polling and waits for the in-flight message, if any.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.inflight = make(map[string]*job)
	p.audio = make(map[string][]byte)
	p.mu.Unlock()
}

// Compose queues a typed message for translation from one language to
// another. Its display order is fixed here.
func (p *Pipeline) Compose(text, from, to string) (queue.Message, error) {
	if strings.TrimSpace(text) == "" {
		return queue.Message{}, apperr.New(apperr.CodeValidation, "message text is empty")
	}
	return p.enqueue(text, nil, from, to)
}

// ComposeAudio queues a captured utterance. It is transcribed before translation.
func (p *Pipeline) ComposeAudio(audio []byte, from, to string) (queue.Message, error) {
	if len(audio) == 0 {
		return queue.Message{}, apperr.New(apperr.CodeValidation, "audio is empty")
	}
	if p.transcriber == nil {
		return queue.Message{}, errors.New("no transcriber configured")
	}
	return p.enqueue("", audio, from, to)
}

func (p *Pipeline) enqueue(text string, audio []byte, from, to string) (queue.Message, error) {
	from, err := translate.NormalizeLanguage(from)
	if err != nil {
		return queue.Message{}, err
	}
	to, err = translate.NormalizeLanguage(to)
	if err != nil {
		return queue.Message{}, err
	}

	id := uuid.NewString()
	if audio != nil {
		p.mu.Lock()
		p.audio[id] = audio
		p.mu.Unlock()
	}
	m, _ := p.queue.Add(queue.Message{
		ID:           id,
		LocalID:      id,
		Original:     text,
		OriginalLang: from,
		TargetLang:   to,
		Status:       queue.StatusQueued,
		DisplayOrder: p.queue.NextOrder(),
	})
	p.opts.Bus.Emit(bus.MessageQueued, m)
	p.kick()
	return m, nil
}

// Retry puts a failed message back in the queue.
func (p *Pipeline) Retry(id string) error {
	m, ok := p.queue.Get(id)
	if !ok {
		return queue.ErrUnknownMessage
	}
	if m.Status != queue.StatusFailed {
		return apperr.Newf(apperr.CodeValidation, "message %s is %s, not failed", id, m.Status)
	}
	queued := queue.StatusQueued
	if _, err := p.queue.UpdateMessage(id, queue.Patch{Status: &queued}); err != nil {
		return err
	}
	p.kick()
	return nil
}

func (p *Pipeline) kick() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.expire(time.Now())
			p.processPending(ctx)
		case <-p.nudge:
			p.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processPending hands queued messages to the worker in display order. A job
// is registered and marked processing before the worker can see it.
func (p *Pipeline) processPending(ctx context.Context) {
	for _, m := range p.queue.WithStatus(queue.StatusQueued) {
		j := &job{id: m.ID, started: time.Now()}
		p.mu.Lock()
		p.inflight[m.ID] = j
		p.mu.Unlock()
		if _, err := p.queue.UpdateStatus(m.ID, queue.StatusProcessing); err != nil {
			p.log.Debug("message vanished before processing", zap.String("msg_id", m.ID))
			p.finish(j)
			continue
		}
		select {
		case p.work <- j:
		case <-ctx.Done():
			p.requeue(j)
			return
		default:
			// Worker backlog is full; the next tick picks it up.
			p.requeue(j)
			return
		}
	}
}

// requeue undoes a hand-off the worker never received.
func (p *Pipeline) requeue(j *job) {
	if !p.finish(j) {
		return
	}
	if _, err := p.queue.UpdateStatus(j.id, queue.StatusQueued); err != nil {
		p.log.Debug("message vanished before requeue", zap.String("msg_id", j.id))
	}
}

// expire reports messages stuck in processing. The running call is not
// cancelled; its result is discarded when it arrives.
func (p *Pipeline) expire(now time.Time) {
	if p.opts.ProcessingTimeout <= 0 {
		return
	}
	var stuck []string
	p.mu.Lock()
	for id, j := range p.inflight {
		if now.Sub(j.started) > p.opts.ProcessingTimeout {
			stuck = append(stuck, id)
			delete(p.inflight, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stuck {
		p.log.Warn("message processing timed out", zap.String("msg_id", id), zap.Duration("timeout", p.opts.ProcessingTimeout))
		p.sender.ReportFailure(id, apperr.Newf(apperr.CodeProcessingTimeout, "message %s exceeded %s in processing", id, p.opts.ProcessingTimeout))
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.work:
			p.process(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

// current reports whether j is still the live job for its message.
func (p *Pipeline) current(j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[j.id] == j
}

func (p *Pipeline) finish(j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[j.id] != j {
		return false
	}
	delete(p.inflight, j.id)
	return true
}

func (p *Pipeline) fail(j *job, err error) {
	if !p.finish(j) {
		return
	}
	p.log.Error("message processing failed", zap.String("msg_id", j.id), zap.Error(err))
	p.sender.ReportFailure(j.id, err)
}

func (p *Pipeline) process(ctx context.Context, j *job) {
	m, ok := p.queue.Get(j.id)
	if !ok {
		p.finish(j)
		p.mu.Lock()
		delete(p.audio, j.id)
		p.mu.Unlock()
		return
	}
	if !p.current(j) {
		return
	}
	log := p.log.With(zap.String("msg_id", j.id))

	p.mu.Lock()
	audio := p.audio[j.id]
	p.mu.Unlock()
	if m.Original == "" && audio != nil {
		text, err := p.transcriber.Transcribe(ctx, audio)
		if err != nil {
			p.fail(j, err)
			return
		}
		if !p.current(j) {
			log.Info("discarding late transcription")
			return
		}
		m.Original = text
		if _, err := p.queue.UpdateMessage(j.id, queue.Patch{Original: &text}); err != nil {
			p.finish(j)
			return
		}
		// Retries translate the stored transcript from here on.
		p.mu.Lock()
		delete(p.audio, j.id)
		p.mu.Unlock()
	}

	translation, err := p.translator.Translate(ctx, m.Original, m.OriginalLang, m.TargetLang)
	if err != nil {
		p.fail(j, err)
		return
	}
	if translation == "" {
		p.fail(j, errors.New("translator returned empty text"))
		return
	}
	if !p.finish(j) {
		log.Info("discarding late translation")
		return
	}

	m, err = p.queue.UpdateMessage(j.id, queue.Patch{Translation: &translation})
	if err != nil {
		return
	}
	if err := p.sender.SendMessage(ctx, m); err != nil {
		p.log.Error("message not sent", zap.String("msg_id", j.id), zap.Error(err))
		p.sender.ReportFailure(j.id, err)
	}
}
