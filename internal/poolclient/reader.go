package poolclient

import (
	"bufio"
	"io"
)

func newBufReader(r io.Reader) lineReader {
	return bufio.NewReaderSize(r, 8192)
}
