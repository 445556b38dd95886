//go:build windows

package filesystem

import "golang.org/x/sys/windows"

// publish 以 MoveFileEx(REPLACE_EXISTING|WRITE_THROUGH) 替换 dest；Windows 无目录 fsync。
func publish(tmp, dest, _ string) error {
	from, err := windows.UTF16PtrFromString(tmp)
	if err != nil {
		return err
	}
	to, err := windows.UTF16PtrFromString(dest)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(from, to, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}
