package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/companion/internal/config"
	"github.com/blacktop/companion/pkg/afc"
	"github.com/blacktop/companion/pkg/afc/afctest"
	"github.com/blacktop/companion/pkg/future"
	"github.com/blacktop/companion/pkg/stream"
	"github.com/blacktop/companion/pkg/target"
)

// fakeTarget backs every capability with in-memory fixtures.
type fakeTarget struct {
	device    *afctest.Device
	apps      map[string]*afctest.Device
	vsFactory func() (stream.BitmapStream, error)

	mu         sync.Mutex
	client     *afc.Client
	appClients map[string]*afc.Client
	frames     int32
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		device:     afctest.NewDevice(),
		apps:       map[string]*afctest.Device{},
		appClients: map[string]*afc.Client{},
	}
}

func (t *fakeTarget) UDID() string { return "FAKE-UDID-0001" }
func (t *fakeTarget) Name() string { return "fake-device" }

func (t *fakeTarget) AFC() (*afc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || t.client.Err() != nil {
		t.client = afc.NewClient(t.device.Dial())
	}
	return t.client, nil
}

func (t *fakeTarget) AppContainer(bundleID string) (*afc.Client, error) {
	if bundleID == "" {
		return t.AFC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	device, ok := t.apps[bundleID]
	if !ok {
		return nil, target.ErrUnsupported
	}
	client, ok := t.appClients[bundleID]
	if !ok || client.Err() != nil {
		client = afc.NewClient(device.Dial())
		t.appClients[bundleID] = client
	}
	return client, nil
}

func (t *fakeTarget) Screenshot() *future.Future[[]byte] {
	return future.Resolved([]byte("png-bytes"))
}

func (t *fakeTarget) VideoStream() (stream.BitmapStream, error) {
	if t.vsFactory != nil {
		return t.vsFactory()
	}
	source := stream.NewScreenshotSource(func() ([]byte, error) {
		n := atomic.AddInt32(&t.frames, 1)
		return []byte(fmt.Sprintf("frame-%d", n)), nil
	}, 100)
	return stream.NewVideoStream(source, stream.WithStartTimeout(2*time.Second)), nil
}

func (t *fakeTarget) LaunchAgent(cfg target.AgentLaunchConfiguration) (*future.Continuation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	completed, _ := future.New[future.Void](future.WithCancel(func() {
		close(stop)
	}))
	go func() {
		// The fake agent just runs until cancelled.
		<-stop
	}()
	return future.NewContinuation(future.ContinuationTypeAgent, completed), nil
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Host:         "127.0.0.1",
		Port:         0,
		GracePeriod:  5 * time.Second,
		StartTimeout: 2 * time.Second,
		FrameRate:    100,
		TmpDir:       t.TempDir(),
	}
}

func startServer(t *testing.T, ft target.Target) (*Server, int) {
	t.Helper()
	srv, err := New(Options{Target: ft, Config: testConfig(t)})
	require.NoError(t, err)
	port, err := srv.Start().Result()
	require.NoError(t, err)
	require.NotZero(t, port)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.Completed().Result()
	})
	return srv, port
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Config: testConfig(t)})
	assert.ErrorIs(t, err, ErrInitialization)

	_, err = New(Options{Target: newFakeTarget()})
	assert.ErrorIs(t, err, ErrInitialization)
}

func TestStartEphemeralPort(t *testing.T) {
	srv, port := startServer(t, newFakeTarget())
	assert.Equal(t, Serving, srv.State())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "pong", string(body))

	_, err = srv.Start().Result()
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStartBindFailure(t *testing.T) {
	_, port := startServer(t, newFakeTarget())

	conf := testConfig(t)
	conf.Port = port
	srv, err := New(Options{Target: newFakeTarget(), Config: conf})
	require.NoError(t, err)
	_, err = srv.Start().Result()
	assert.ErrorIs(t, err, ErrBind)
}

func TestAFCRoutes(t *testing.T) {
	ft := newFakeTarget()
	ft.device.AddFile("/Documents/notes.txt", []byte("hello world"))
	_, port := startServer(t, ft)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	resp, err := http.Get(base + "/afc/cat?path=/Documents/notes.txt")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(body))

	// Reading a nonexistent path fails with the device's error code.
	resp, err = http.Get(base + "/afc/cat?path=/missing")
	require.NoError(t, err)
	var fail struct {
		Error string `json:"error"`
		Code  uint64 `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fail))
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, uint64(afctest.CodeObjectNotFound), fail.Code)

	resp, err = http.Post(base+"/afc/push?path=/Documents/new.txt", "application/octet-stream",
		bytes.NewReader([]byte("pushed contents")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	written, ok := ft.device.File("/Documents/new.txt")
	require.True(t, ok)
	assert.Equal(t, "pushed contents", string(written))

	resp, err = http.Get(base + "/afc/ls?path=/Documents")
	require.NoError(t, err)
	var listing struct {
		Entries []string `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	assert.Contains(t, listing.Entries, "notes.txt")
	assert.Contains(t, listing.Entries, "new.txt")

	resp, err = http.Get(base + "/afc/deviceinfo")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, "FakeDevice1,1", info["Model"])

	req, _ := http.NewRequest(http.MethodDelete, base+"/afc/rm?path=/Documents/new.txt", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok = ft.device.File("/Documents/new.txt")
	assert.False(t, ok)
}

func TestAppDataList(t *testing.T) {
	ft := newFakeTarget()
	appDevice := afctest.NewDevice()
	appDevice.AddFile("/Library/settings.json", []byte("{}"))
	appDevice.AddDir("/tmp")
	ft.apps["com.example.app"] = appDevice
	_, port := startServer(t, ft)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/apps/com.example.app/data/ls?path=/", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Entries []target.DataEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	byName := map[string]target.DataEntry{}
	for _, entry := range listing.Entries {
		byName[entry.Name] = entry
	}
	require.Contains(t, byName, "Library")
	require.Contains(t, byName, "tmp")
	assert.True(t, byName["Library"].IsDir)

	// Unknown bundles surface the capability error.
	resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/apps/com.unknown/data/ls", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestStreamLifecycle(t *testing.T) {
	ft := newFakeTarget()
	srv, port := startServer(t, ft)

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/stream", port), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Contains(t, string(frame), "frame-")

	require.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, time.Second, time.Millisecond)

	srv.Shutdown()
	_, err = srv.Completed().Await(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, Completed, srv.State())
	assert.Zero(t, srv.Registry().Len())

	// The socket is closed once the stream's continuation terminates.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func TestClientDisconnectStopsStream(t *testing.T) {
	ft := newFakeTarget()
	srv, port := startServer(t, ft)

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/stream", port), nil)
	require.NoError(t, err)
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, time.Second, time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCompletedWaitsForContinuations(t *testing.T) {
	srv, _ := startServer(t, newFakeTarget())

	// A continuation whose teardown takes a while.
	completed, _ := future.New[future.Void](future.WithCancel(func() {
		time.Sleep(100 * time.Millisecond)
	}))
	srv.Registry().Add(future.NewContinuation(future.ContinuationTypeAgent, completed))

	srv.Shutdown()
	select {
	case <-srv.Completed().Done():
		t.Fatal("completed resolved while a continuation was non-terminal")
	case <-time.After(30 * time.Millisecond):
	}

	_, err := srv.Completed().Await(testContext(t))
	require.NoError(t, err)
}

func TestShutdownBoundedByGracePeriod(t *testing.T) {
	conf := testConfig(t)
	conf.GracePeriod = 50 * time.Millisecond
	srv, err := New(Options{Target: newFakeTarget(), Config: conf})
	require.NoError(t, err)
	_, err = srv.Start().Result()
	require.NoError(t, err)

	// A continuation whose teardown hook never returns.
	stuck := make(chan struct{})
	defer close(stuck)
	completed, _ := future.New[future.Void](future.WithCancel(func() {
		<-stuck
	}))
	srv.Registry().Add(future.NewContinuation(future.ContinuationTypeAgent, completed))

	srv.Shutdown()
	_, err = srv.Completed().Await(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, Completed, srv.State())
}

func TestStreamStartTimeoutStopsSession(t *testing.T) {
	ft := newFakeTarget()
	release := make(chan struct{})
	sessions := make(chan *stream.VideoStream, 1)
	ft.vsFactory = func() (stream.BitmapStream, error) {
		source := stream.NewScreenshotSource(func() ([]byte, error) {
			<-release
			return []byte("late"), nil
		}, 100)
		sess := stream.NewVideoStream(source, stream.WithStartTimeout(30*time.Millisecond))
		sessions <- sess
		return sess, nil
	}
	srv, port := startServer(t, ft)

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/stream", port), nil)
	require.NoError(t, err)
	defer ws.Close()

	// The handler reports the failed start by closing the socket.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)

	sess := <-sessions
	require.Eventually(t, func() bool { return sess.State() == stream.Stopped }, time.Second, time.Millisecond)

	// Once the stalled grab returns, the pump exits, the continuation
	// terminates, and the registry entry drops without a shutdown.
	close(release)
	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	_, err = sess.Continuation().Completed().Await(testContext(t))
	require.NoError(t, err)
}

func TestRegistryDrainCancelsLateAdds(t *testing.T) {
	registry := NewRegistry()
	registry.Drain()

	completed, _ := future.New[future.Void]()
	registry.Add(future.NewContinuation(future.ContinuationTypeAgent, completed))
	assert.Zero(t, registry.Len())
	assert.Equal(t, future.Cancelled, completed.Status())
}

func TestShutdownIdempotent(t *testing.T) {
	srv, port := startServer(t, newFakeTarget())

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/shutdown", port), "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	srv.Shutdown()
	srv.Shutdown()

	_, err = srv.Completed().Await(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, Completed, srv.State())
}

func TestLaunchAgent(t *testing.T) {
	srv, port := startServer(t, newFakeTarget())
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	resp, err := http.Post(base+"/launch", "application/json",
		bytes.NewReader([]byte(`{"binary":"/usr/local/bin/agent","arguments":["-v"]}`)))
	require.NoError(t, err)
	var launched struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&launched))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, launched.ID)
	assert.Equal(t, string(future.ContinuationTypeAgent), launched.Type)
	assert.Equal(t, 1, srv.Registry().Len())

	// A launch without a binary is rejected before anything registers.
	resp, err = http.Post(base+"/launch", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, srv.Registry().Len())

	srv.Shutdown()
	_, err = srv.Completed().Await(testContext(t))
	require.NoError(t, err)
	assert.Zero(t, srv.Registry().Len())
}

func TestScreenshotRoute(t *testing.T) {
	_, port := startServer(t, newFakeTarget())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/screenshot", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png-bytes", string(body))
}

func TestRegistryAutoRemoval(t *testing.T) {
	registry := NewRegistry()
	completed, resolve := future.New[future.Void]()
	id := registry.Add(future.NewContinuation(future.ContinuationTypeVideoStreaming, completed))

	cont, ok := registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, future.ContinuationTypeVideoStreaming, cont.Type())
	assert.Equal(t, 1, registry.Len())

	resolve.Succeed(future.Void{})
	assert.Zero(t, registry.Len())
	_, ok = registry.Get(id)
	assert.False(t, ok)
}
