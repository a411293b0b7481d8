package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/HubRis504/scepter/device"
	"github.com/HubRis504/scepter/disk"
	"github.com/HubRis504/scepter/fat32"
	"github.com/HubRis504/scepter/mm"
	"github.com/HubRis504/scepter/part"
	"github.com/HubRis504/scepter/vfs"
)

type rootParameters struct {
	ImageFilepath  string `short:"f" long:"filepath" description:"File-path of a disk image" required:"true"`
	Partition      int    `short:"n" long:"partition" description:"Partition number" default:"1"`
	FilePath       string `short:"p" long:"path" description:"Path of the file within the volume" required:"true"`
	OutputFilepath string `short:"o" long:"output" description:"File-path to extract to (defaults to STDOUT)"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	pa := mm.New(0x00200000, 4096)
	heap := mm.NewHeap(pa)
	reg := device.NewRegistry(heap)

	img, err := disk.OpenImage(rootArguments.ImageFilepath)
	log.PanicIf(err)

	defer img.Close()

	err = reg.RegisterBlock(device.DiskBase, img)
	log.PanicIf(err)

	_, err = part.Scan(reg, []int{0})
	log.PanicIf(err)

	v := vfs.New()

	_, err = v.RegisterFilesystem(fat32.DriverName, fat32.NewDriver(reg))
	log.PanicIf(err)

	err = v.Mount(device.OverlayBase, rootArguments.Partition, fat32.DriverName, "/")
	log.PanicIf(err)

	fd, err := v.Open(rootArguments.FilePath, vfs.O_RDONLY)
	log.PanicIf(err)

	var w io.Writer

	if rootArguments.OutputFilepath != "" {
		f, err := os.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer f.Close()

		w = f
	} else {
		w = os.Stdout
	}

	buf := make([]byte, device.BlockSize)
	total := uint64(0)

	for {
		n, err := v.Read(fd, buf)
		log.PanicIf(err)

		if n == 0 {
			break
		}

		_, err = w.Write(buf[:n])
		log.PanicIf(err)

		total += uint64(n)
	}

	err = v.Close(fd)
	log.PanicIf(err)

	if rootArguments.OutputFilepath != "" {
		fmt.Fprintf(os.Stderr, "Extracted %s.\n", humanize.IBytes(total))
	}
}
