package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"os"

	"github.com/fogleman/gg"
	"github.com/mattn/go-tty"
	"golang.org/x/image/font/basicfont"

	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
	"github.com/marwinkloefer/bs-handin/kernel/mm/frames"
	"github.com/marwinkloefer/bs-handin/kernel/sync"
)

// Image layout in pixels.
const (
	imgWidth  = 1088
	imgHeight = 200
	margin    = 32
	barWidth  = imgWidth - 2*margin
	barHeight = 40

	kernelBarY = 40
	userBarY   = 130
)

var (
	colorBackground = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	colorUsed       = color.RGBA{R: 0xc0, G: 0x30, B: 0x30, A: 0xff}
	colorFree       = color.RGBA{R: 0x30, G: 0xa0, B: 0x40, A: 0xff}
	colorText       = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}

	// The first MiB is never handed to the allocator, just like on a
	// real boot.
	firstUsableAddr = mm.PhysAddr(1 * mm.Mb)
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memviz] error: %s\n", err.Error())
	os.Exit(1)
}

type allocation struct {
	addr     mm.PhysAddr
	count    int
	inKernel bool
}

// simulator runs the kernel frame allocator on top of a Go-allocated arena.
type simulator struct {
	arena *mm.Arena
	alloc frames.Allocator
	live  []allocation
}

func newSimulator(memSize uintptr) (*simulator, error) {
	if memSize <= uintptr(firstUsableAddr) {
		return nil, fmt.Errorf("memory size must exceed %d bytes", uintptr(firstUsableAddr))
	}

	sim := &simulator{arena: mm.NewArena(memSize)}
	if err := sim.alloc.Init([]mm.PhysRegion{{Start: firstUsableAddr, End: mm.PhysAddr(memSize - 1)}}); err != nil {
		return nil, err
	}

	return sim, nil
}

// allocate reserves count frames and remembers the allocation so it can be
// released by freeLast.
func (sim *simulator) allocate(count int, inKernel bool) *kernel.Error {
	addr, err := sim.alloc.Alloc(count, inKernel)
	if err != nil {
		return err
	}

	sim.live = append(sim.live, allocation{addr: addr, count: count, inKernel: inKernel})
	return nil
}

// freeAt releases the index-th live allocation.
func (sim *simulator) freeAt(index int) bool {
	if index < 0 || index >= len(sim.live) {
		return false
	}

	a := sim.live[index]
	sim.alloc.Free(a.addr, a.count)
	sim.live = append(sim.live[:index], sim.live[index+1:]...)
	return true
}

func (sim *simulator) freeLast() bool {
	return sim.freeAt(len(sim.live) - 1)
}

// churn performs steps random allocations and releases of 1 to 64 frames.
func (sim *simulator) churn(rng *rand.Rand, steps int) {
	for i := 0; i < steps; i++ {
		if len(sim.live) != 0 && rng.Intn(3) == 0 {
			sim.freeAt(rng.Intn(len(sim.live)))
			continue
		}

		// Out-of-memory is expected once a pool fills up.
		_ = sim.allocate(1+rng.Intn(64), rng.Intn(2) == 0)
	}
}

// render draws the occupancy of both pools. Each bar spans the address range
// of its pool; free runs are painted over a bar filled with the used color.
func (sim *simulator) render() image.Image {
	dc := gg.NewContext(imgWidth, imgHeight)
	dc.SetColor(colorBackground)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	userEnd := sim.alloc.MaxPhysAddr() + 1
	if userEnd < mm.KernelPoolLimit {
		userEnd = mm.KernelPoolLimit
	}

	sim.renderPool(dc, true, kernelBarY, 0, mm.KernelPoolLimit)
	sim.renderPool(dc, false, userBarY, mm.KernelPoolLimit, userEnd)

	return dc.Image()
}

func (sim *simulator) renderPool(dc *gg.Context, inKernel bool, y float64, start, end mm.PhysAddr) {
	name := "user pool"
	if inKernel {
		name = "kernel pool"
	}

	dc.SetColor(colorText)
	dc.DrawString(
		fmt.Sprintf("%s [0x%x, 0x%x): %d free frames", name, uint64(start), uint64(end), sim.alloc.FreeFrames(inKernel)),
		margin, y-8,
	)

	dc.SetColor(colorUsed)
	dc.DrawRectangle(margin, y, barWidth, barHeight)
	dc.Fill()

	if end <= start {
		return
	}

	span := float64(end - start)
	dc.SetColor(colorFree)
	sim.alloc.VisitFreeBlocks(inKernel, func(blockStart mm.PhysAddr, count uint64) bool {
		x0 := float64(blockStart-start) / span * barWidth
		w := float64(count<<mm.PageShift) / span * barWidth
		dc.DrawRectangle(margin+x0, y, w, barHeight)
		return true
	})
	dc.Fill()
}

func (sim *simulator) savePNG(path string) error {
	return gg.SavePNG(path, sim.render())
}

// interact reads single-key commands from the terminal until q is pressed.
func (sim *simulator) interact(out string) error {
	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()

	fmt.Println("[memviz] keys: k=alloc kernel frame, u=alloc user frame, f=free last, d=dump, r=render, q=quit")
	for {
		r, err := t.ReadRune()
		if err != nil {
			return err
		}

		switch r {
		case 'k', 'u':
			if err := sim.allocate(1, r == 'k'); err != nil {
				fmt.Printf("[memviz] %s\n", err.Error())
			}
		case 'f':
			if !sim.freeLast() {
				fmt.Println("[memviz] nothing to free")
			}
		case 'd':
			sim.alloc.Fdump(os.Stdout)
		case 'r':
			if err := sim.savePNG(out); err != nil {
				return err
			}
			fmt.Printf("[memviz] wrote %s\n", out)
		case 'q':
			return nil
		}
	}
}

func runTool() error {
	memMiB := flag.Uint("mem", 128, "the amount of simulated physical memory in MiB")
	allocs := flag.Int("allocs", 256, "the number of random allocate/free steps to run before rendering")
	seed := flag.Int64("seed", 1, "the seed for the random allocation pattern")
	output := flag.String("out", "memviz.png", "the PNG file to write the pool occupancy to")
	interactive := flag.Bool("interactive", false, "read allocation commands from the terminal")
	verbose := flag.Bool("v", false, "print allocator log messages to STDERR")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "memviz: render the frame allocator pools after a simulated workload\n\n")
		fmt.Fprint(os.Stderr, "Usage: memviz [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *allocs < 0 {
		exit(errors.New("the number of allocation steps must not be negative"))
	}

	// Interrupt masking is a privileged instruction; the simulation runs on
	// a single goroutine so the locks only need the spin part.
	sync.SetInterruptControl(func() bool { return false }, func(bool) {})
	if *verbose {
		kfmt.SetOutputSink(os.Stderr)
	}

	sim, err := newSimulator(uintptr(*memMiB) * uintptr(mm.Mb))
	if err != nil {
		return err
	}

	sim.churn(rand.New(rand.NewSource(*seed)), *allocs)

	if *interactive {
		return sim.interact(*output)
	}

	return sim.savePNG(*output)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
