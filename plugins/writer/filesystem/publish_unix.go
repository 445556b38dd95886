//go:build !windows

package filesystem

import "os"

// publish 以 rename 原子替换 dest，并同步父目录使目录项落盘。
func publish(tmp, dest, dir string) error {
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
