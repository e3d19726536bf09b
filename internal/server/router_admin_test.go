package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/redwing-381/projectx/internal/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVIPSenderEditsTakeEffectImmediately(t *testing.T) {
	server := newTestServer(t, testServerOptions{apiKey: testAPIKey})

	created := server.do(t, http.MethodPost, "/api/vip-senders", testAPIKey, map[string]string{"value": "  Boss@Example.com "})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	var sender rulePayload
	decodeBody(t, created, &sender)
	assert.Equal(t, "boss@example.com", sender.Value)

	duplicate := server.do(t, http.MethodPost, "/api/vip-senders", testAPIKey, map[string]string{"value": "boss@example.com"})
	assert.Equal(t, http.StatusConflict, duplicate.Code)
	blank := server.do(t, http.MethodPost, "/api/vip-senders", testAPIKey, map[string]string{"value": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, blank.Code)

	batch := server.do(t, http.MethodPost, "/api/notifications", testAPIKey, map[string]any{
		"device_id":     "pixel-7",
		"notifications": []map[string]any{{"id": "vip-1", "app": "Gmail", "sender": "Boss <boss@example.com>", "text": "see you monday"}},
	})
	require.Equal(t, http.StatusOK, batch.Code)
	var result batchResponsePayload
	decodeBody(t, batch, &result)
	assert.Equal(t, 1, result.UrgentCount, "vip sender must be urgent without a restart")

	listed := server.do(t, http.MethodGet, "/api/vip-senders", testAPIKey, nil)
	require.Equal(t, http.StatusOK, listed.Code)
	var list struct {
		VIPSenders []rulePayload `json:"vip_senders"`
	}
	decodeBody(t, listed, &list)
	require.Len(t, list.VIPSenders, 1)

	deleted := server.do(t, http.MethodDelete, fmt.Sprintf("/api/vip-senders/%d", sender.ID), testAPIKey, nil)
	assert.Equal(t, http.StatusNoContent, deleted.Code)
	gone := server.do(t, http.MethodDelete, fmt.Sprintf("/api/vip-senders/%d", sender.ID), testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
	badID := server.do(t, http.MethodDelete, "/api/vip-senders/abc", testAPIKey, nil)
	assert.Equal(t, http.StatusBadRequest, badID.Code)
}

func TestKeywordRoutes(t *testing.T) {
	server := newTestServer(t, testServerOptions{apiKey: testAPIKey})

	for _, keyword := range []string{"Emergency", "asap"} {
		recorder := server.do(t, http.MethodPost, "/api/keywords", testAPIKey, map[string]string{"value": keyword})
		require.Equal(t, http.StatusCreated, recorder.Code)
	}
	listed := server.do(t, http.MethodGet, "/api/keywords", testAPIKey, nil)
	var list struct {
		Keywords []rulePayload `json:"keywords"`
	}
	decodeBody(t, listed, &list)
	require.Len(t, list.Keywords, 2)
	assert.Equal(t, "asap", list.Keywords[0].Value, "newest first")
	assert.Equal(t, "emergency", list.Keywords[1].Value)
}

func TestMonitoringRoutes(t *testing.T) {
	server := newTestServer(t, testServerOptions{apiKey: testAPIKey})
	ctx := context.Background()
	for _, id := range []string{"pixel-7", "galaxy"} {
		_, err := server.devices.Register(ctx, id, "")
		require.NoError(t, err)
	}

	started := server.do(t, http.MethodPost, "/api/monitoring/start?include_mobile=true", testAPIKey, nil)
	require.Equal(t, http.StatusOK, started.Code)
	var message map[string]any
	decodeBody(t, started, &message)
	assert.Equal(t, "Scheduled email monitoring enabled, mobile monitoring enabled for 2 devices", message["message"])

	unified := server.do(t, http.MethodGet, "/api/monitoring/unified", testAPIKey, nil)
	require.Equal(t, http.StatusOK, unified.Code)
	var status monitoring.UnifiedStatus
	decodeBody(t, unified, &status)
	assert.True(t, status.Email.Enabled)
	assert.Equal(t, 2, status.Mobile.TotalDevices)
	assert.True(t, status.AllEnabled)

	stopped := server.do(t, http.MethodPost, "/api/monitoring/stop-all", testAPIKey, nil)
	require.Equal(t, http.StatusOK, stopped.Code)
	mobile := server.do(t, http.MethodGet, "/api/mobile/status", testAPIKey, nil)
	var mobileStatus monitoring.MobileStatus
	decodeBody(t, mobile, &mobileStatus)
	assert.Zero(t, mobileStatus.EnabledCount)

	pending, err := server.commands.Poll(ctx, "galaxy")
	require.NoError(t, err)
	require.Len(t, pending, 2, "start then stop are both queued")

	interval := server.do(t, http.MethodPost, "/api/monitoring/interval", testAPIKey, map[string]int{"minutes": 15})
	require.Equal(t, http.StatusOK, interval.Code)
	var email monitoring.EmailStatus
	decodeBody(t, interval, &email)
	assert.Equal(t, 15, email.IntervalMinutes)

	tooLong := server.do(t, http.MethodPost, "/api/monitoring/interval", testAPIKey, map[string]int{"minutes": 5000})
	assert.Equal(t, http.StatusUnprocessableEntity, tooLong.Code)
	missing := server.do(t, http.MethodPost, "/api/monitoring/interval", testAPIKey, map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, missing.Code)
}

func TestHistoryRouteFiltersAndPages(t *testing.T) {
	server := newTestServer(t, testServerOptions{apiKey: testAPIKey})
	ctx := context.Background()
	_, err := server.rules.AddKeyword(ctx, "urgent")
	require.NoError(t, err)
	require.NoError(t, server.engine.Refresh(ctx))

	recorder := server.do(t, http.MethodPost, "/api/notifications", testAPIKey, map[string]any{
		"device_id": "pixel-7",
		"notifications": []map[string]any{
			{"id": "n1", "app": "WhatsApp", "sender": "Mom", "text": "urgent call me"},
			{"id": "n2", "app": "Slack", "sender": "Bot", "text": "build passed"},
			{"id": "n3", "app": "WhatsApp", "sender": "Dad", "text": "dinner at 7"},
		},
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	urgent := server.do(t, http.MethodGet, "/api/history?urgency=urgent", testAPIKey, nil)
	require.Equal(t, http.StatusOK, urgent.Code)
	var urgentPage historyPagePayload
	decodeBody(t, urgent, &urgentPage)
	require.Len(t, urgentPage.Alerts, 1)
	assert.Equal(t, "mobile:n1", urgentPage.Alerts[0].MessageID)
	assert.True(t, urgentPage.Alerts[0].SMSSent)

	whatsapp := server.do(t, http.MethodGet, "/api/history?source=android:whatsapp", testAPIKey, nil)
	var sourcePage historyPagePayload
	decodeBody(t, whatsapp, &sourcePage)
	assert.Equal(t, int64(2), sourcePage.Total)

	search := server.do(t, http.MethodGet, "/api/history?search=dinner", testAPIKey, nil)
	var searchPage historyPagePayload
	decodeBody(t, search, &searchPage)
	require.Len(t, searchPage.Alerts, 1)
	assert.Equal(t, "Dad", searchPage.Alerts[0].Sender)

	all := server.do(t, http.MethodGet, "/api/history", testAPIKey, nil)
	var allPage historyPagePayload
	decodeBody(t, all, &allPage)
	assert.Equal(t, int64(3), allPage.Total)
	assert.Equal(t, 1, allPage.TotalPages)
	assert.Equal(t, "mobile:n3", allPage.Alerts[0].MessageID, "newest first")
}

func TestDeviceTokenDisabledWithoutSecret(t *testing.T) {
	server := newTestServer(t, testServerOptions{apiKey: testAPIKey})
	recorder := server.do(t, http.MethodPost, "/api/auth/device-token", testAPIKey, map[string]string{"device_id": "pixel-7"})
	assert.Equal(t, http.StatusNotImplemented, recorder.Code)
}
