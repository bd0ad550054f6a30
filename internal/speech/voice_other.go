//go:build !unix

package speech

import "os/exec"

func killGroupOnCancel(cmd *exec.Cmd) {}
