package util

import "os/exec"

func getOpenExternalCommand(filename string) *exec.Cmd {
	return exec.Command("explorer", filename)
}
