package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func TestWriteEnvFileSorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	err := WriteEnvFile(path, map[string]string{
		"ZOO_PORT":       "12181",
		"BURROW_PROJECT": "roottestabc",
		"MINIO_PORT":     "19001",
		"EMPTY":          "",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "BURROW_PROJECT=roottestabc\nEMPTY=\nMINIO_PORT=19001\nZOO_PORT=12181\n", string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteEnvFileRejectsBadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	assert.Error(t, WriteEnvFile(path, map[string]string{"A=B": "x"}))
	assert.Error(t, WriteEnvFile(path, map[string]string{"": "x"}))
	assert.Error(t, WriteEnvFile(path, map[string]string{"A": "line1\nline2"}))
}

func TestReadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# generated\n\nA=1\nB=x=y\n"), 0o644))

	vars, err := ReadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, vars)

	require.NoError(t, os.WriteFile(path, []byte("broken\n"), 0o644))
	_, err = ReadEnvFile(path)
	assert.ErrorContains(t, err, ":1:")
}

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, EnvList(map[string]string{"B": "2", "A": "1"}))
}

func TestDescriptorFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node1.yml")
	want := &Descriptor{
		Name:    "node1",
		Image:   "clickhouse/integration-test:latest",
		EnvFile: "/data/proj/.env",
		Env:     map[string]string{"BURROW_TCP_PORT": "19000"},
		Mounts: []types.Mount{
			{Source: "/data/proj/node1/logs", Destination: "/var/log/server"},
			{Source: "/etc/ssl", Destination: "/etc/ssl", ReadOnly: true},
		},
		Network:   Network{Mode: NetworkModeHost, Address: "127.0.0.1", Ports: []int{19000}},
		DependsOn: []string{"zookeeper", "minio"},
		Labels:    map[string]string{"burrow.project": "proj"},
	}

	require.NoError(t, WriteDescriptor(path, want))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mode: host")
	assert.Contains(t, string(data), "depends_on:")

	got, err := ReadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
