package history

import (
	"context"
	"sync"
)

// FakeClient records submissions in memory. Err, when set, is returned
// from every call.
type FakeClient struct {
	mu           sync.Mutex
	Posted       []Payload
	Entries      []Entry
	Registration *Registration
	Err          error
}

// PostHistory records payload.
func (f *FakeClient) PostHistory(_ context.Context, payload Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Posted = append(f.Posted, payload)
	return nil
}

// ListHistory returns Entries.
func (f *FakeClient) ListHistory(_ context.Context, _ ListQuery) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]Entry(nil), f.Entries...), nil
}

// CheckRegistration returns Registration.
func (f *FakeClient) CheckRegistration(_ context.Context, serial string) (*Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Registration == nil {
		return &Registration{Registered: false}, nil
	}
	reg := *f.Registration
	return &reg, nil
}

// Payloads returns a copy of the submitted payloads.
func (f *FakeClient) Payloads() []Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Payload(nil), f.Posted...)
}

// SetErr changes the error returned by later calls.
func (f *FakeClient) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}
