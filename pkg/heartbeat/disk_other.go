//go:build !unix

package heartbeat

import "errors"

func freeDiskBytes(string) (int64, error) {
	return 0, errors.New("free disk space is not available on this platform")
}
