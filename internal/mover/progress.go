package mover

import "io"

// progressReader wraps an io.Reader and reports how many bytes were read
// since the previous report, every interval bytes.
type progressReader struct {
	reader     io.Reader
	onProgress func(delta int64)
	interval   int64
	sinceLast  int64
}

func newProgressReader(r io.Reader, interval int64, cb func(delta int64)) *progressReader {
	return &progressReader{
		reader:     r,
		onProgress: cb,
		interval:   interval,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.sinceLast += int64(n)

		if pr.sinceLast >= pr.interval {
			pr.onProgress(pr.sinceLast)
			pr.sinceLast = 0
		}
	}

	return n, err
}
