//go:build !unix

package worker

import (
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no process groups to work with; both signals kill.
func signalGroup(p *os.Process, _ signal) error {
	return p.Kill()
}
