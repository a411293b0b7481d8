package main

import (
	"fmt"
	"os"

	"io/ioutil"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/HubRis504/scepter/internal/testimg"
)

type rootParameters struct {
	Filepath string `short:"o" long:"output" description:"File-path to write the demo disk image to" required:"true"`
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

	image := testimg.Default()

	err = ioutil.WriteFile(rootArguments.Filepath, image, 0644)
	log.PanicIf(err)

	fmt.Printf("Wrote %s to [%s].\n", humanize.IBytes(uint64(len(image))), rootArguments.Filepath)
}
