package main

import (
	"bytes"
	"testing"

	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/streamclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDialer(t *testing.T) {
	d, err := newDialer("http://localhost:8080/", "sse")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/live/stream", d.(*streamclient.SSEDialer).URL)

	d, err = newDialer("https://scores.example.com", "ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://scores.example.com/ws", d.(*streamclient.WSDialer).URL)

	_, err = newDialer("http://localhost:8080", "carrier-pigeon")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	render(&buf, []domain.LiveMatch{
		{HomeTeam: "Brentford", AwayTeam: "Palace", HomeScore: domain.IntPtr(2), Status: domain.StatusLive},
	})

	out := buf.String()
	assert.Contains(t, out, "1 live")
	assert.Contains(t, out, "Brentford")
	assert.Contains(t, out, " 2 - -  ")
}
