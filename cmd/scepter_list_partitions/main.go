package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/HubRis504/scepter/device"
	"github.com/HubRis504/scepter/disk"
	"github.com/HubRis504/scepter/mm"
	"github.com/HubRis504/scepter/part"
)

type rootParameters struct {
	Filepath string `short:"f" long:"filepath" description:"File-path of a disk image" required:"true"`
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

	table, err := part.Scan(reg, []int{0})
	log.PanicIf(err)

	for number := 1; number <= part.PartitionCount; number++ {
		info, found := table.Info(device.OverlayBase, number)
		if found == false {
			continue
		}

		bootable := ""
		if info.Bootable == true {
			bootable = "[BOOT] "
		}

		size := humanize.IBytes(uint64(info.LBACount) * disk.SectorSize)

		fmt.Printf("%d: %s%s, Start: %d, Size: %s (%s sectors)\n", info.Number, bootable, part.TypeName(info.Type), info.LBAStart, size, humanize.Comma(int64(info.LBACount)))
	}
}
