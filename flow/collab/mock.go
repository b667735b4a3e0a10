package collab

import (
	"context"
	"fmt"
	"sync"
)

// MockMailer is a test implementation of Mailer.
//
// It tracks every call and supports per-operation error injection, including
// scripted error sequences (fail N times, then succeed) for exercising the
// retry executor.
//
// Example:
//
//	mailer := &MockMailer{
//	    Content: Content{From: "a@example.com", Subject: "hi"},
//	    FetchErrs: []error{
//	        NewError(KindTimeout, "mail.fetch", "timeout", nil),
//	    },
//	}
//	// First Fetch fails with a timeout, subsequent calls succeed.
type MockMailer struct {
	// Content is returned by Fetch on success.
	Content Content

	// SentID is returned by Send on success.
	SentID string

	// FetchErrs, LabelErrs and SendErrs are consumed one per call; once
	// exhausted the call succeeds. Use a single repeated element to fail
	// every call.
	FetchErrs []error
	LabelErrs []error
	SendErrs  []error

	// Labels records ApplyLabel calls as "itemID:category".
	Labels []string

	// Sends records Send calls as "itemID:body".
	Sends []string

	// Fetches records Fetch calls by item id.
	Fetches []string

	mu sync.Mutex
}

func (m *MockMailer) Fetch(ctx context.Context, itemID string) (Content, error) {
	if ctx.Err() != nil {
		return Content{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fetches = append(m.Fetches, itemID)
	if err := popErr(&m.FetchErrs); err != nil {
		return Content{}, err
	}
	return m.Content, nil
}

func (m *MockMailer) ApplyLabel(ctx context.Context, itemID, category string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.LabelErrs); err != nil {
		return err
	}
	m.Labels = append(m.Labels, itemID+":"+category)
	return nil
}

func (m *MockMailer) Send(ctx context.Context, itemID, to, subject, body, threadRef string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.SendErrs); err != nil {
		return "", err
	}
	m.Sends = append(m.Sends, itemID+":"+body)
	if m.SentID != "" {
		return m.SentID, nil
	}
	return fmt.Sprintf("sent-%d", len(m.Sends)), nil
}

// LabelCount returns how many times ApplyLabel succeeded.
func (m *MockMailer) LabelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Labels)
}

// SendCount returns how many times Send succeeded.
func (m *MockMailer) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sends)
}

// MockMessenger is a test implementation of Messenger.
type MockMessenger struct {
	// NotifyErrs is consumed one per Notify call.
	NotifyErrs []error

	// Notifications records Notify calls as "ownerID:text".
	Notifications []string

	// Edits records Edit calls as "messageID:text".
	Edits []string

	// Deletes records Delete calls by message id.
	Deletes []string

	mu      sync.Mutex
	counter int
}

func (m *MockMessenger) Notify(ctx context.Context, ownerID, text string, actions []Action) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.NotifyErrs); err != nil {
		return "", err
	}
	m.counter++
	m.Notifications = append(m.Notifications, ownerID+":"+text)
	return fmt.Sprintf("msg-%d", m.counter), nil
}

func (m *MockMessenger) Edit(ctx context.Context, externalMessageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Edits = append(m.Edits, externalMessageID+":"+text)
	return nil
}

func (m *MockMessenger) Delete(ctx context.Context, externalMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes = append(m.Deletes, externalMessageID)
	return nil
}

// NotifyCount returns how many Notify calls succeeded.
func (m *MockMessenger) NotifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Notifications)
}

// MockClassifier is a test implementation of Classifier.
type MockClassifier struct {
	// Result is returned on success.
	Result Classification

	// Errs is consumed one per call; once exhausted calls succeed.
	Errs []error

	// Calls counts Classify invocations.
	Calls int

	mu sync.Mutex
}

func (m *MockClassifier) Classify(ctx context.Context, content Content, categories []string) (Classification, error) {
	if ctx.Err() != nil {
		return Classification{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if err := popErr(&m.Errs); err != nil {
		return Classification{}, err
	}
	return m.Result, nil
}

// MockDrafter is a test implementation of Drafter.
type MockDrafter struct {
	// Text is returned on success.
	Text string

	// Errs is consumed one per call; once exhausted calls succeed.
	Errs []error

	// Calls counts Draft invocations.
	Calls int

	mu sync.Mutex
}

func (m *MockDrafter) Draft(ctx context.Context, content Content, retrievalContext string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if err := popErr(&m.Errs); err != nil {
		return "", err
	}
	return m.Text, nil
}

// popErr removes and returns the first error from the slice, or nil when the
// slice is empty.
func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
