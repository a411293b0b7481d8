package main

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/HubRis504/scepter/device"
	"github.com/HubRis504/scepter/disk"
	"github.com/HubRis504/scepter/fat32"
	"github.com/HubRis504/scepter/mm"
	"github.com/HubRis504/scepter/part"
)

type rootParameters struct {
	Filepath  string `short:"f" long:"filepath" description:"File-path of a disk image" required:"true"`
	Partition int    `short:"n" long:"partition" description:"Partition number" default:"1"`
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

	img, err := disk.OpenImage(rootArguments.Filepath)
	log.PanicIf(err)

	defer img.Close()

	err = reg.RegisterBlock(device.DiskBase, img)
	log.PanicIf(err)

	_, err = part.Scan(reg, []int{0})
	log.PanicIf(err)

	buf := make([]byte, device.BlockSize)

	_, err = reg.BRead(device.OverlayBase, rootArguments.Partition, 0, buf)
	log.PanicIf(err)

	bs, err := fat32.ParseBootSector(buf)
	log.PanicIf(err)

	bs.Dump()
}
