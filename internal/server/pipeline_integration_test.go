package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/redwing-381/projectx/internal/capture"
	"github.com/redwing-381/projectx/internal/commands"
	"github.com/redwing-381/projectx/internal/syncagent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	server *testServer
	store  *capture.Store
	agent  *syncagent.Agent
}

func newPipeline(t *testing.T) pipeline {
	t.Helper()
	server := newTestServer(t, testServerOptions{apiKey: testAPIKey})
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	store, err := capture.Open(context.Background(), capture.StoreConfig{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := syncagent.NewClient(httpServer.URL, testAPIKey, "pixel-7", httpServer.Client(), 5*time.Second)
	agent, err := syncagent.New(syncagent.Config{Queue: store, Server: client})
	require.NoError(t, err)
	return pipeline{server: server, store: store, agent: agent}
}

func TestPipelineUrgentKeywordReachesSMS(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	_, err := p.server.rules.AddKeyword(ctx, "urgent")
	require.NoError(t, err)
	require.NoError(t, p.server.engine.Refresh(ctx))

	accepted, err := p.store.Add(ctx, capture.Capture{SourceApp: "WhatsApp", Sender: "Mom", Text: "urgent call me"})
	require.NoError(t, err)
	require.True(t, accepted)
	duplicate, err := p.store.Add(ctx, capture.Capture{SourceApp: "WhatsApp", Sender: "Mom", Text: "urgent call me"})
	require.NoError(t, err)
	require.False(t, duplicate, "an identical capture inside the dedup window is dropped")

	result := p.agent.RunOnce(ctx)
	require.Equal(t, syncagent.StateSuccess, result.State, result.Message)
	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, 1, result.UrgentCount)

	assert.Equal(t, []string{"WHATSAPP: Mom - urgent call me"}, p.server.transport.Bodies())
	pending, err := p.store.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	page, err := p.server.history.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, int64(1), page.SMSSent)

	device, err := p.server.devices.Get(ctx, "pixel-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), device.TotalProcessed)
}

func TestPipelineStopCommandPausesDevice(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	_, err := p.server.devices.Register(ctx, "pixel-7", "Pixel")
	require.NoError(t, err)
	_, err = p.server.monitoring.StopDevice(ctx, "pixel-7")
	require.NoError(t, err)

	applied, err := p.agent.PollCommands(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	enabled, err := p.store.MonitoringEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	remaining, err := p.server.commands.Poll(ctx, "pixel-7")
	require.NoError(t, err)
	assert.Empty(t, remaining, "acknowledged commands are no longer pending")

	_, err = p.store.Add(ctx, capture.Capture{SourceApp: "WhatsApp", Sender: "Mom", Text: "urgent call me"})
	require.NoError(t, err)
	result := p.agent.RunOnce(ctx)
	assert.Equal(t, syncagent.StateSkipped, result.State)
	assert.Empty(t, p.server.transport.Bodies())

	_, err = p.server.commands.Enqueue(ctx, "pixel-7", commands.TypeStartMonitoring)
	require.NoError(t, err)
	require.NoError(t, p.server.devices.SetMonitoring(ctx, "pixel-7", true))
	_, err = p.agent.PollCommands(ctx)
	require.NoError(t, err)
	resumed := p.agent.RunOnce(ctx)
	require.Equal(t, syncagent.StateSuccess, resumed.State, resumed.Message)
	assert.Len(t, p.server.transport.Bodies(), 0, "no keyword rules are configured in this test")
	assert.Equal(t, 1, resumed.Uploaded)
}
