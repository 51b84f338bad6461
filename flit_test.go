package flit

import (
	"context"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitnet/flit/events"
	"github.com/flitnet/flit/group"
	"github.com/flitnet/flit/transfer"
	"github.com/flitnet/flit/transport"
)

func testOptions() *Options {
	cfg := transfer.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Rotation.Enabled = false
	cfg.Rate.InitialRate = 64 << 20
	return &Options{Session: cfg}
}

func writeTestFile(t *testing.T, name string, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	mrand.New(mrand.NewSource(99)).Read(data)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestEngineFileRoundTrip(t *testing.T) {
	src, data := writeTestFile(t, "report.pdf", 200*1024)

	sender, err := New(testOptions())
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := New(testOptions())
	require.NoError(t, err)
	defer receiver.Close()

	chA, chB := transport.Pair()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	downloads := t.TempDir()
	var wg sync.WaitGroup
	var sendErr error
	var gotPath string
	var recvErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		sendErr = sender.SendFile(ctx, chA, src)
	}()
	go func() {
		defer wg.Done()
		gotPath, recvErr = receiver.ReceiveToDir(ctx, chB, downloads)
	}()
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	assert.Equal(t, filepath.Join(downloads, "report.pdf"), gotPath)

	got, err := os.ReadFile(gotPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEngineDurableResumeStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "resume.db")
	eng, err := New(&Options{ResumePath: dbPath})
	require.NoError(t, err)
	require.NotNil(t, eng.Resume())
	require.NoError(t, eng.Close())

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "resume database should exist on disk")
}

func TestEngineSendGroup(t *testing.T) {
	src, data := writeTestFile(t, "shared.bin", 96*1024)

	sender, err := New(testOptions())
	require.NoError(t, err)
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var recipients []group.Recipient
	var results [][]byte
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		chA, chB := transport.Pair()
		recipients = append(recipients, group.Recipient{ID: uuid.New().String(), Channel: chA})
		rcvOpts := testOptions()
		rcv, err := New(rcvOpts)
		require.NoError(t, err)
		defer rcv.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := rcv.Receive(ctx, chB)
			require.NoError(t, err)
			mu.Lock()
			results = append(results, got)
			mu.Unlock()
		}()
	}

	gt, err := sender.SendGroup(ctx, src, recipients)
	require.NoError(t, err)
	res := gt.Wait()
	wg.Wait()

	assert.Equal(t, group.OutcomeCompleted, res.Outcome)
	assert.Len(t, res.Succeeded, 2)
	for _, got := range results {
		assert.Equal(t, data, got)
	}
}

func TestEngineEmitsEvents(t *testing.T) {
	src, _ := writeTestFile(t, "ev.bin", 64*1024)

	sender, err := New(testOptions())
	require.NoError(t, err)
	receiver, err := New(testOptions())
	require.NoError(t, err)
	defer receiver.Close()

	chA, chB := transport.Pair()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, sender.SendFile(ctx, chA, src))
	}()
	go func() {
		defer wg.Done()
		_, _, err := receiver.Receive(ctx, chB)
		require.NoError(t, err)
	}()
	wg.Wait()

	sender.Close()
	seen := map[events.Kind]bool{}
	for e := range sender.Events() {
		seen[e.Kind] = true
	}
	assert.True(t, seen[events.KindSessionState])
	assert.True(t, seen[events.KindChunkProgress])
}
