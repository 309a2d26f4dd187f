//go:build !unix

package file

import "os"

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".peerdrop-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
