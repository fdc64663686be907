//go:build !linux

package main

import "errors"

func systemReboot() error {
	return errors.New("system reboot is only supported on linux")
}
