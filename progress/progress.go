// Package progress renders transfer bars: mpb for downloads, schollz
// progressbar for uploads served to peers.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/Dyastin-0/lanshare/types"
)

type Progress struct {
	progress *mpb.Progress
	options  []mpb.ContainerOption

	mu   sync.Mutex
	bars map[string]*mpb.Bar
}

func New() *Progress {
	return NewWithOutput(nil)
}

// NewWithOutput renders to w instead of stdout. Tests pass io.Discard.
func NewWithOutput(w io.Writer) *Progress {
	var opts []mpb.ContainerOption
	if w != nil {
		opts = append(opts, mpb.WithOutput(w))
	}

	return &Progress{
		progress: mpb.New(opts...),
		options:  opts,
		bars:     make(map[string]*mpb.Bar),
	}
}

func (p *Progress) NewBar(n int64, text string) *mpb.Bar {
	return p.progress.AddBar(n,
		mpb.PrependDecorators(
			decor.Name(text, decor.WC{W: 12, C: decor.DindentRight}),
			decor.CountersKibiByte(" % .2f / % .2f", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.AverageSpeed(decor.SizeB1024(0), " % .1f", decor.WCSyncWidth),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12, C: decor.DindentRight}),
		),
	)
}

// Track moves the bar for s.Filename to the reported state, creating it on
// first sight. Completed bars fill, failed bars stop where they were.
func (p *Progress) Track(s types.TransferState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[s.Filename]
	if !ok {
		if s.Status == types.StatusComplete || s.Status == types.StatusError {
			return
		}
		bar = p.NewBar(s.Size, s.Filename)
		p.bars[s.Filename] = bar
	}

	bar.SetCurrent(s.Progress)

	switch s.Status {
	case types.StatusComplete:
		bar.SetTotal(-1, true)
		delete(p.bars, s.Filename)
	case types.StatusError:
		bar.Abort(false)
		delete(p.bars, s.Filename)
	}
}

// Label names a transfer for display, with the file counter for batches.
func Label(s types.TransferState) string {
	if s.IsBatch && s.TotalFiles > 0 {
		return fmt.Sprintf("[%d/%d] %s", s.CurrentFileIndex, s.TotalFiles, s.Filename)
	}
	return s.Filename
}

func (p *Progress) Wait() {
	p.progress.Wait()
}

func (p *Progress) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.progress != nil {
		for name, bar := range p.bars {
			bar.Abort(true)
			delete(p.bars, name)
		}
		p.progress.Wait()
	}

	p.progress = mpb.New(p.options...)
}
