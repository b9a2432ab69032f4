package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

func DefaultBar(w io.Writer, maxBytes int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		maxBytes,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowTotalBytes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Uploads keeps one bar per peer and path being served.
type Uploads struct {
	w io.Writer

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func NewUploads() *Uploads {
	return NewUploadsWithOutput(ansi.NewAnsiStdout())
}

func NewUploadsWithOutput(w io.Writer) *Uploads {
	return &Uploads{
		w:    w,
		bars: make(map[string]*progressbar.ProgressBar),
	}
}

// Update reports sent bytes for the upload of path to peer. The bar is
// dropped once done is set.
func (u *Uploads) Update(peer, path string, sent, total int64, done bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	key := peer + "|" + path

	bar, ok := u.bars[key]
	if !ok {
		bar = DefaultBar(u.w, total, fmt.Sprintf("Sending to %s", peer))
		u.bars[key] = bar
	}

	bar.Set64(sent)

	if done {
		if sent >= total {
			bar.Finish()
		} else {
			bar.Exit()
		}
		delete(u.bars, key)
	}
}

func (u *Uploads) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return len(u.bars)
}
