package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPorts(t *testing.T) {
	file := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(file, []byte("worker_ports: [31001, 31002]\n"), 0o644))

	tests := []struct {
		name    string
		file    string
		env     string
		want    []int
		wantErr bool
	}{
		{name: "from file", file: file, want: []int{31001, 31002}},
		{name: "environment wins", file: file, env: "32001 32002 32003", want: []int{32001, 32002, 32003}},
		{name: "environment only", env: "33001", want: []int{33001}},
		{name: "nothing set", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WORKER_FREE_PORTS", tt.env)

			got, err := workerPorts(tt.file)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWritePortTable(t *testing.T) {
	var out bytes.Buffer
	busy := map[int]bool{31002: true}

	require.NoError(t, writePortTable(&out, []int{31001, 31002}, func(p int) bool { return !busy[p] }))

	assert.Equal(t, "PORT   STATUS\n31001  free\n31002  in use\n", out.String())
}
