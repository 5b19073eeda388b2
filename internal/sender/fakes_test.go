package sender_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

// fakeBackend records every SendEach call and fails the tokens listed in errs.
type fakeBackend struct {
	mu        sync.Mutex
	maxBatch  int
	errs      map[string]dispatch.ErrorCategory
	failCall  int // 1-based SendEach call that fails at transport level; 0 never
	calls     [][]*dispatch.Message
	single    []*dispatch.Message
	topicErrs []dispatch.TopicError
	topicCall []string
}

var errTransport = errors.New("backend unavailable")

func newFakeBackend(maxBatch int) *fakeBackend {
	return &fakeBackend{maxBatch: maxBatch, errs: map[string]dispatch.ErrorCategory{}}
}

func (f *fakeBackend) MaxBatchSize() int { return f.maxBatch }

func (f *fakeBackend) Send(_ context.Context, msg *dispatch.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.single = append(f.single, msg)
	if cat, ok := f.errs[msg.Token]; ok {
		return "", &dispatch.BackendError{Category: cat, Code: cat.String()}
	}
	return "msg-" + msg.Token + msg.Topic, nil
}

func (f *fakeBackend) SendEach(_ context.Context, msgs []*dispatch.Message) ([]dispatch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msgs) > f.maxBatch {
		return nil, dispatch.ErrBatchTooLarge
	}
	f.calls = append(f.calls, msgs)
	if f.failCall == len(f.calls) {
		return nil, errTransport
	}
	outcomes := make([]dispatch.Outcome, len(msgs))
	for i, m := range msgs {
		if cat, ok := f.errs[m.Token]; ok {
			outcomes[i] = dispatch.Outcome{Err: &dispatch.BackendError{Category: cat, Code: cat.String()}}
			continue
		}
		outcomes[i] = dispatch.Outcome{MessageID: fmt.Sprintf("msg-%s", m.Token)}
	}
	return outcomes, nil
}

func (f *fakeBackend) ManageTopic(_ context.Context, tokens []string, topic string, _ bool) (*dispatch.TopicResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topicCall = append(f.topicCall, topic)
	res := &dispatch.TopicResult{Errors: f.topicErrs}
	res.FailureCount = len(f.topicErrs)
	res.SuccessCount = len(tokens) - res.FailureCount
	return res, nil
}

func (f *fakeBackend) sentTokens() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	for i, call := range f.calls {
		for _, m := range call {
			out[i] = append(out[i], m.Token)
		}
	}
	return out
}

// MockRegistry satisfies dispatch.Registry.
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) ListTokens(ctx context.Context, filter dispatch.DeviceFilter) ([]string, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRegistry) Deactivate(ctx context.Context, tokens []string) (int64, error) {
	args := m.Called(ctx, tokens)
	return int64(args.Int(0)), args.Error(1)
}

func (m *MockRegistry) DeleteTokens(ctx context.Context, tokens []string) (int64, error) {
	args := m.Called(ctx, tokens)
	return int64(args.Int(0)), args.Error(1)
}

func tokenRange(prefix string, n int) []string {
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("%s-%04d", prefix, i)
	}
	return tokens
}
