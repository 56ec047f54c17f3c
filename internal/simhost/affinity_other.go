//go:build !linux

package simhost

import "errors"

func pinThread(int) error {
	return errors.New("simhost: thread pinning is only supported on linux")
}
