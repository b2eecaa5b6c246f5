package attractor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// AnswerKind classifies an interviewer's reply.
type AnswerKind string

const (
	AnswerGiven   AnswerKind = "answered"
	AnswerTimeout AnswerKind = "timeout"
	AnswerSkipped AnswerKind = "skipped"
)

// Answer is an interviewer's reply to a question.
type Answer struct {
	Kind  AnswerKind
	Value string
}

// QuestionOption is one selectable choice of a single-select question.
type QuestionOption struct {
	Key    string // accelerator key
	Label  string
	Target string // target node id
}

// Question is posed to an Interviewer.
type Question struct {
	Prompt  string
	Options []QuestionOption
}

// Interviewer is the polymorphic human-gate capability.
type Interviewer interface {
	Ask(ctx context.Context, q Question) (Answer, error)
}

// MultiAsker is optionally implemented by interviewers that can batch
// questions.
type MultiAsker interface {
	AskMultiple(ctx context.Context, qs []Question) ([]Answer, error)
}

// Informer is optionally implemented by interviewers that accept
// informational messages.
type Informer interface {
	Inform(message string)
}

// AutoApproveInterviewer answers yes, or the first option when options are
// present.
type AutoApproveInterviewer struct{}

func (AutoApproveInterviewer) Ask(_ context.Context, q Question) (Answer, error) {
	if len(q.Options) > 0 {
		first := q.Options[0]
		value := first.Key
		if value == "" {
			value = first.Label
		}
		return Answer{Kind: AnswerGiven, Value: value}, nil
	}
	return Answer{Kind: AnswerGiven, Value: "yes"}, nil
}

// ConsoleInterviewer reads answers from an input stream with formatted
// prompts.
type ConsoleInterviewer struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

func (c *ConsoleInterviewer) Ask(_ context.Context, q Question) (Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		c.reader = bufio.NewReader(c.In)
	}

	fmt.Fprintln(c.Out, q.Prompt)
	for _, opt := range q.Options {
		fmt.Fprintf(c.Out, "  [%s] %s\n", opt.Key, opt.Label)
	}
	fmt.Fprint(c.Out, "> ")

	line, err := c.reader.ReadString('\n')
	if err != nil && line == "" {
		return Answer{Kind: AnswerSkipped}, nil
	}
	return Answer{Kind: AnswerGiven, Value: strings.TrimSpace(line)}, nil
}

func (c *ConsoleInterviewer) Inform(message string) {
	fmt.Fprintln(c.Out, message)
}

// CallbackInterviewer delegates to a function.
type CallbackInterviewer struct {
	Fn func(ctx context.Context, q Question) (Answer, error)
}

func (c CallbackInterviewer) Ask(ctx context.Context, q Question) (Answer, error) {
	return c.Fn(ctx, q)
}

// QueueInterviewer replays pre-recorded answers and returns SKIPPED once the
// queue is empty.
type QueueInterviewer struct {
	mu      sync.Mutex
	Answers []string
}

func NewQueueInterviewer(answers ...string) *QueueInterviewer {
	return &QueueInterviewer{Answers: answers}
}

func (q *QueueInterviewer) Ask(context.Context, Question) (Answer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.Answers) == 0 {
		return Answer{Kind: AnswerSkipped}, nil
	}
	next := q.Answers[0]
	q.Answers = q.Answers[1:]
	return Answer{Kind: AnswerGiven, Value: next}, nil
}

// RecordedExchange is one question/answer pair captured by a
// RecordingInterviewer.
type RecordedExchange struct {
	Question Question
	Answer   Answer
}

// RecordingInterviewer wraps another interviewer and records every exchange.
type RecordingInterviewer struct {
	Inner Interviewer

	mu      sync.Mutex
	Records []RecordedExchange
}

func (r *RecordingInterviewer) Ask(ctx context.Context, q Question) (Answer, error) {
	answer, err := r.Inner.Ask(ctx, q)
	if err == nil {
		r.mu.Lock()
		r.Records = append(r.Records, RecordedExchange{Question: q, Answer: answer})
		r.mu.Unlock()
	}
	return answer, err
}
