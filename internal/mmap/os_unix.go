//go:build unix

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func osMap(f *os.File, size int, _ int64) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	return data, unix.Munmap, nil
}

func osAdvise(data []byte, a Advice) error {
	if len(data) == 0 {
		return nil
	}

	var advice int
	switch a {
	case AdviseSequential:
		advice = unix.MADV_SEQUENTIAL
	case AdviseRandom:
		advice = unix.MADV_RANDOM
	case AdviseWillNeed:
		advice = unix.MADV_WILLNEED
	default:
		advice = unix.MADV_NORMAL
	}

	// madvise requires page-aligned addresses; regions usually are not.
	// The hint is advisory, so EINVAL is not an error.
	err := unix.Madvise(data, advice)
	if err == unix.EINVAL {
		return nil
	}
	return err
}
