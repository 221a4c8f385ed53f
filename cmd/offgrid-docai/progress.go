package main

import (
	"fmt"
	"io"
	"sync"

	humanize "github.com/dustin/go-humanize"
	mpbv8 "github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/takuphilchan/offgrid-docai/internal/models"
)

// downloadBars renders one bar per model download, driven by updater
// progress callbacks rather than a proxied reader.
type downloadBars struct {
	mu   sync.Mutex
	mpb  *mpbv8.Progress
	bars map[string]*downloadBar
}

type downloadBar struct {
	*mpbv8.Bar
	size int64
	msg  string
}

func newDownloadBars(w io.Writer) *downloadBars {
	return &downloadBars{
		mpb:  mpbv8.New(mpbv8.WithWidth(60), mpbv8.WithOutput(w)),
		bars: make(map[string]*downloadBar),
	}
}

func (p *downloadBars) add(name string, size int64) *downloadBar {
	bar := &downloadBar{size: size}
	bar.Bar = p.mpb.New(size,
		mpbv8.BarStyle(),
		mpbv8.BarFillerOnComplete("|"),
		mpbv8.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				p.mu.Lock()
				defer p.mu.Unlock()
				if bar.msg != "" {
					return bar.msg
				}
				return name + " =>"
			}, decor.WCSyncSpaceR),
		),
		mpbv8.AppendDecorators(
			decor.OnComplete(decor.Counters(decor.SizeB1024(0), "% .2f / % .2f"), humanize.IBytes(uint64(size))),
			decor.OnComplete(decor.Name(" | ", decor.WCSyncWidthR), " | "),
			decor.OnComplete(
				decor.AverageSpeed(decor.SizeB1024(0), "% .2f", decor.WCSyncWidthR), "done",
			),
		),
	)
	return bar
}

// Update applies one progress event.
func (p *downloadBars) Update(ev models.DownloadProgress) {
	name := fmt.Sprintf("%s@%s", ev.Kind, ev.Version)

	p.mu.Lock()
	bar, ok := p.bars[name]
	p.mu.Unlock()
	if !ok {
		if ev.Status != "downloading" {
			return
		}
		bar = p.add(name, ev.BytesTotal)
		p.mu.Lock()
		p.bars[name] = bar
		p.mu.Unlock()
	}

	switch ev.Status {
	case "downloading":
		if ev.BytesTotal > 0 && ev.BytesTotal != bar.size {
			bar.size = ev.BytesTotal
			bar.SetTotal(ev.BytesTotal, false)
		}
		bar.SetCurrent(ev.BytesDone)
	case "verifying", "installing":
		p.setMsg(bar, fmt.Sprintf("%s %s", name, ev.Status))
	case "complete":
		p.setMsg(bar, name+" installed")
		bar.SetTotal(-1, true)
	case "failed":
		p.setMsg(bar, name+" failed")
		bar.Abort(false)
	}
}

func (p *downloadBars) setMsg(bar *downloadBar, msg string) {
	p.mu.Lock()
	bar.msg = msg
	p.mu.Unlock()
}

// Wait aborts unfinished bars and waits for rendering to stop.
func (p *downloadBars) Wait() {
	p.mu.Lock()
	bars := make([]*downloadBar, 0, len(p.bars))
	for _, bar := range p.bars {
		bars = append(bars, bar)
	}
	p.mu.Unlock()
	for _, bar := range bars {
		if !bar.Completed() && !bar.Aborted() {
			bar.Abort(false)
		}
	}
	p.mpb.Wait()
}
