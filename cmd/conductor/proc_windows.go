//go:build windows

package main

import "os/exec"

// Windows doesn't use Setsid; a started process already outlives its parent.
func configureDetached(cmd *exec.Cmd) {}
