//go:build !unix

package tool

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
