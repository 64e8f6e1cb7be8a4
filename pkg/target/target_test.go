package target

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/companion/pkg/afc"
	"github.com/blacktop/companion/pkg/afc/afctest"
	"github.com/blacktop/companion/pkg/future"
	"github.com/blacktop/companion/pkg/stream"
)

// containerTarget vends one app container backed by an in-memory device.
type containerTarget struct {
	bundleID string
	client   *afc.Client
}

func (t *containerTarget) UDID() string { return "TEST-UDID" }
func (t *containerTarget) Name() string { return "test" }

func (t *containerTarget) AFC() (*afc.Client, error) { return t.client, nil }

func (t *containerTarget) AppContainer(bundleID string) (*afc.Client, error) {
	if bundleID != t.bundleID {
		return nil, ErrUnsupported
	}
	return t.client, nil
}

func (t *containerTarget) Screenshot() *future.Future[[]byte] {
	return future.Errored[[]byte](ErrUnsupported)
}

func (t *containerTarget) VideoStream() (stream.BitmapStream, error) {
	return nil, ErrUnsupported
}

func (t *containerTarget) LaunchAgent(config AgentLaunchConfiguration) (*future.Continuation, error) {
	return nil, ErrUnsupported
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDataCommandsList(t *testing.T) {
	device := afctest.NewDevice()
	device.AddFile("/Documents/readme.txt", []byte("twelve bytes"))
	device.AddDir("/Library")
	client := afc.NewClient(device.Dial())
	defer client.Close()

	commands := NewDataCommands(&containerTarget{bundleID: "com.example.app", client: client})
	entries, err := commands.List("com.example.app", "/").Await(testContext(t))
	require.NoError(t, err)

	byName := map[string]DataEntry{}
	for _, entry := range entries {
		assert.NotEqual(t, ".", entry.Name)
		assert.NotEqual(t, "..", entry.Name)
		byName[entry.Name] = entry
	}
	require.Contains(t, byName, "Documents")
	require.Contains(t, byName, "Library")
	assert.True(t, byName["Documents"].IsDir)
	assert.Equal(t, "/Documents", byName["Documents"].Path)

	entries, err = commands.List("com.example.app", "/Documents").Await(testContext(t))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "readme.txt", entries[0].Name)
	assert.False(t, entries[0].IsDir)
	assert.Equal(t, int64(len("twelve bytes")), entries[0].Size)
}

func TestDataCommandsListUnknownBundle(t *testing.T) {
	commands := NewDataCommands(&containerTarget{bundleID: "com.example.app"})
	_, err := commands.List("com.unknown", "/").Await(testContext(t))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDataCommandsListMissingDirectory(t *testing.T) {
	device := afctest.NewDevice()
	client := afc.NewClient(device.Dial())
	defer client.Close()

	commands := NewDataCommands(&containerTarget{bundleID: "com.example.app", client: client})
	_, err := commands.List("com.example.app", "/nope").Await(testContext(t))
	var devErr *afc.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, uint64(afctest.CodeObjectNotFound), devErr.Code)
}

func TestUnmarshalAgentLaunchConfiguration(t *testing.T) {
	launch, err := UnmarshalAgentLaunchConfiguration([]byte(
		`{"binary":"/usr/local/bin/agent","arguments":["-v"],"environment":{"HOME":"/var/mobile"}}`))
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/agent", launch.Binary)
	assert.Equal(t, []string{"-v"}, launch.Arguments)
	assert.Equal(t, "/var/mobile", launch.Environment["HOME"])
	assert.Equal(t, OutputNull, launch.Output.StdOut)
	assert.Equal(t, OutputNull, launch.Output.StdErr)
}

func TestUnmarshalAgentLaunchConfigurationDefaults(t *testing.T) {
	launch, err := UnmarshalAgentLaunchConfiguration([]byte(`{"binary":"/bin/true"}`))
	require.NoError(t, err)
	assert.NotNil(t, launch.Arguments)
	assert.NotNil(t, launch.Environment)
	assert.Empty(t, launch.Arguments)
}

func TestUnmarshalAgentLaunchConfigurationRejectsEmptyBinary(t *testing.T) {
	_, err := UnmarshalAgentLaunchConfiguration([]byte(`{"arguments":["-v"]}`))
	require.Error(t, err)

	_, err = UnmarshalAgentLaunchConfiguration([]byte(`not json`))
	require.Error(t, err)
}

func TestDeviceTargetUnsupportedCapabilities(t *testing.T) {
	target := NewDeviceTarget("UDID-1", "bench device", 32768)
	assert.Equal(t, "UDID-1", target.UDID())
	assert.Equal(t, "bench device", target.Name())

	_, err := target.Screenshot().Result()
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = target.VideoStream()
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = target.LaunchAgent(AgentLaunchConfiguration{Binary: "/bin/true"})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = target.AppContainer("com.example.app")
	assert.ErrorIs(t, err, ErrUnsupported)
}
