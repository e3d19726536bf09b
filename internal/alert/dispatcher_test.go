package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type memoryRecords struct {
	mu      sync.Mutex
	claimed map[string]bool
	sent    map[string]bool
	failure map[string]string
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{claimed: map[string]bool{}, sent: map[string]bool{}, failure: map[string]string{}}
}

func (m *memoryRecords) ClaimSMS(_ context.Context, messageID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent[messageID] || m.claimed[messageID] {
		return false, nil
	}
	m.claimed[messageID] = true
	return true, nil
}

func (m *memoryRecords) CompleteSMS(_ context.Context, messageID string, sent bool, failure string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed[messageID] = false
	m.sent[messageID] = sent
	m.failure[messageID] = failure
	return nil
}

func (m *memoryRecords) SMSSent(_ context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[messageID], nil
}

type recordingTransport struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Send(_ context.Context, _ string, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	return r.err
}

func newTestDispatcher(t *testing.T, transport Transport, records RecordStore) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(DispatcherConfig{Transport: transport, Records: records, PhoneNumber: "+15550100"})
	require.NoError(t, err)
	return dispatcher
}

func TestDispatchSendsOncePerMessage(t *testing.T) {
	transport := &recordingTransport{}
	records := newMemoryRecords()
	dispatcher := newTestDispatcher(t, transport, records)

	sent, err := dispatcher.Dispatch(context.Background(), "mobile:n1", "WHATSAPP: Mom - urgent call me")
	require.NoError(t, err)
	require.True(t, sent)

	sent, err = dispatcher.Dispatch(context.Background(), "mobile:n1", "WHATSAPP: Mom - urgent call me")
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, transport.bodies, 1)
}

func TestDispatchConcurrentCallersSendOnce(t *testing.T) {
	transport := &recordingTransport{}
	dispatcher := newTestDispatcher(t, transport, newMemoryRecords())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = dispatcher.Dispatch(context.Background(), "mobile:n2", "body")
		}()
	}
	wg.Wait()
	require.Len(t, transport.bodies, 1)
}

func TestDispatchRecordsTransportFailure(t *testing.T) {
	transport := &recordingTransport{err: errors.New("twilio 503")}
	records := newMemoryRecords()
	dispatcher := newTestDispatcher(t, transport, records)

	sent, err := dispatcher.Dispatch(context.Background(), "mobile:n3", "body")
	require.Error(t, err)
	require.False(t, sent)
	require.Equal(t, "twilio 503", records.failure["mobile:n3"])

	transport.err = nil
	sent, err = dispatcher.Dispatch(context.Background(), "mobile:n3", "body")
	require.NoError(t, err)
	require.True(t, sent, "a failed send may be retried")
	require.Len(t, transport.bodies, 2)
}

func TestNewDispatcherRequiresRecipientForRealTransport(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{Transport: &recordingTransport{}, Records: newMemoryRecords()})
	require.Error(t, err)

	_, err = NewDispatcher(DispatcherConfig{Transport: NewLogTransport(nil), Records: newMemoryRecords()})
	require.NoError(t, err)
}

type fakeMessageAPI struct {
	params *twilioapi.CreateMessageParams
}

func (f *fakeMessageAPI) CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error) {
	f.params = params
	return &twilioapi.ApiV2010Message{}, nil
}

func TestTwilioTransportBuildsMessage(t *testing.T) {
	api := &fakeMessageAPI{}
	transport := &TwilioTransport{api: api, from: "+15550001"}

	require.NoError(t, transport.Send(context.Background(), "+15550100", "WHATSAPP: Mom - hi"))
	require.NotNil(t, api.params)
	require.Equal(t, "+15550100", *api.params.To)
	require.Equal(t, "+15550001", *api.params.From)
	require.Equal(t, "WHATSAPP: Mom - hi", *api.params.Body)
}

func TestNewTwilioTransportValidatesConfig(t *testing.T) {
	_, err := NewTwilioTransport(TwilioConfig{AccountSID: "AC1", AuthToken: "tok"})
	require.Error(t, err)

	transport, err := NewTwilioTransport(TwilioConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001"})
	require.NoError(t, err)
	require.Equal(t, "twilio", transport.Name())
}
