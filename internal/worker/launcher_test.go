package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin", "PORT=1", "HOME=/root"}, map[string]string{
		"PORT":         "4000",
		"TD_WORKER_ID": "3",
	})

	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "PORT=4000", "TD_WORKER_ID=3"}, env)
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := &lineWriter{emit: func(s string) { lines = append(lines, s) }}

	_, _ = w.Write([]byte("hello\r\nwor"))
	_, _ = w.Write([]byte("ld\n"))
	_, _ = w.Write([]byte("partial"))

	assert.Equal(t, []string{"hello", "world"}, lines)
}

func TestAddress(t *testing.T) {
	a := Address{Network: "tcp", Addr: "127.0.0.1:4321"}
	assert.Equal(t, "4321", a.PortValue())
	assert.Equal(t, 4321, a.Port())
	assert.Equal(t, "127.0.0.1:4321", a.Host())

	u := Address{Network: "unix", Addr: "/tmp/.tdsh.x"}
	assert.Equal(t, "/tmp/.tdsh.x", u.PortValue())
	assert.Equal(t, 0, u.Port())
	assert.Equal(t, "localhost", u.Host())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "dead", StateDead.String())
}
